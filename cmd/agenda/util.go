package main

import (
	"encoding/json"
	"fmt"

	"github.com/loykin/agenda/pkg/client"
)

// printJSON pretty-prints v, the teacher's cmd/provisr convention for
// every command that returns a structured result instead of plain text.
func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func newClient(server, authToken string) (*client.Client, error) {
	cfg := client.DefaultConfig()
	if server != "" {
		cfg.BaseURL = server
	}
	cfg.AuthToken = authToken
	return client.New(cfg)
}

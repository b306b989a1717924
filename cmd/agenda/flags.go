package main

// Flag structs decouple cobra from the command logic, the teacher's
// cmd/provisr convention for testing commands without a live cobra tree.

type RunFlags struct {
	ConfigPath string
}

type JobSaveFlags struct {
	Server    string
	AuthToken string
	File      string
	Name      string
}

type JobQueryFlags struct {
	Server    string
	AuthToken string
	Name      string
	Tag       []string
	Disabled  bool
	Limit     int
	Skip      int
}

type JobIDFlags struct {
	Server    string
	AuthToken string
	ID        string
}

type TemplateCreateFlags struct {
	Type   string
	Name   string
	Output string
	Force  bool
}

package process

import (
	"strconv"
	"strings"
)

// portRule appends a port flag to commands that match. Rules are checked in order.
type portRule struct {
	match  string
	suffix func(port string) string
}

var portRules = []portRule{
	// npm scripts read PORT from the environment
	{"npm start", nil},
	{"npm run dev", nil},
	{"flask run", func(p string) string { return " --port " + p }},
	{"manage.py runserver", func(p string) string { return " " + p }},
	{"uvicorn", func(p string) string { return " --port " + p }},
	{"ng serve", func(p string) string { return " --port " + p }},
	{"serve", func(p string) string { return " -l " + p }},
}

// InjectPort rewrites command so it binds port. Commands that take the port
// from the PORT variable, or that no rule recognizes, are returned unchanged.
func InjectPort(command string, port int) string {
	if port <= 0 {
		return command
	}
	p := strconv.Itoa(port)
	for _, r := range portRules {
		if !strings.Contains(command, r.match) {
			continue
		}
		if r.suffix == nil {
			return command
		}
		return command + r.suffix(p)
	}
	return command
}

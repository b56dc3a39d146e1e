package stack

import "fmt"

// Kind identifies a detected stack. The set is closed; use Kinds to enumerate it.
type Kind string

const (
	KindNextJS        Kind = "nextjs"
	KindVite          Kind = "vite"
	KindReact         Kind = "react"
	KindVue           Kind = "vue"
	KindAngular       Kind = "angular"
	KindExpress       Kind = "express"
	KindNode          Kind = "node"
	KindFlask         Kind = "flask"
	KindDjango        Kind = "django"
	KindFastAPI       Kind = "fastapi"
	KindPythonGeneric Kind = "python-generic"
	KindJavaMaven     Kind = "java-maven"
	KindJavaGradle    Kind = "java-gradle"
	KindStatic        Kind = "static"
	KindUnknown       Kind = "unknown"
)

var allKinds = []Kind{
	KindNextJS, KindVite, KindReact, KindVue, KindAngular, KindExpress, KindNode,
	KindFlask, KindDjango, KindFastAPI, KindPythonGeneric,
	KindJavaMaven, KindJavaGradle, KindStatic, KindUnknown,
}

// Kinds returns every known kind in detection order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, v := range allKinds {
		if v == k {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind converts a string into a Kind, rejecting values outside the set.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return KindUnknown, fmt.Errorf("unknown stack kind %q", s)
	}
	return k, nil
}

// Profile bundles the commands and default port for a detected stack.
type Profile struct {
	Kind           Kind   `json:"kind"`
	Label          string `json:"label"`
	InstallCommand string `json:"install_command"`
	RunCommand     string `json:"run_command"`
	DefaultPort    int    `json:"default_port"`
}

// Runnable reports whether the profile carries enough information to start a server.
func (p Profile) Runnable() bool {
	return p.Kind != KindUnknown && p.RunCommand != ""
}

const (
	npmInstall = "npm install"
	pipInstall = "pip install -r requirements.txt"
)

// builtin holds the stock profile for each kind. Python generic's run command
// depends on the tree and is filled in by the classifier.
var builtin = map[Kind]Profile{
	KindNextJS:        {Kind: KindNextJS, Label: "Next.js", InstallCommand: npmInstall, RunCommand: "npm run dev", DefaultPort: 3000},
	KindVite:          {Kind: KindVite, Label: "Vite", InstallCommand: npmInstall, RunCommand: "npm run dev", DefaultPort: 5173},
	KindReact:         {Kind: KindReact, Label: "React.js", InstallCommand: npmInstall, RunCommand: "npm start", DefaultPort: 3000},
	KindVue:           {Kind: KindVue, Label: "Vue.js", InstallCommand: npmInstall, RunCommand: "npm run dev", DefaultPort: 5173},
	KindAngular:       {Kind: KindAngular, Label: "Angular", InstallCommand: npmInstall, RunCommand: "ng serve", DefaultPort: 4200},
	KindExpress:       {Kind: KindExpress, Label: "Express.js", InstallCommand: npmInstall, RunCommand: "npm start", DefaultPort: 3000},
	KindNode:          {Kind: KindNode, Label: "Node.js", InstallCommand: npmInstall, RunCommand: "npm start", DefaultPort: 3000},
	KindFlask:         {Kind: KindFlask, Label: "Flask", InstallCommand: pipInstall, RunCommand: "flask run", DefaultPort: 5000},
	KindDjango:        {Kind: KindDjango, Label: "Django", InstallCommand: pipInstall, RunCommand: "python manage.py runserver", DefaultPort: 8000},
	KindFastAPI:       {Kind: KindFastAPI, Label: "FastAPI", InstallCommand: pipInstall, RunCommand: "uvicorn main:app --reload", DefaultPort: 8000},
	KindPythonGeneric: {Kind: KindPythonGeneric, Label: "Python", InstallCommand: pipInstall, RunCommand: "python app.py", DefaultPort: 5000},
	KindJavaMaven:     {Kind: KindJavaMaven, Label: "Java (Maven)", InstallCommand: "mvn clean install", RunCommand: "mvn spring-boot:run", DefaultPort: 8080},
	KindJavaGradle:    {Kind: KindJavaGradle, Label: "Java (Gradle)", InstallCommand: "gradle build", RunCommand: "gradle bootRun", DefaultPort: 8080},
	KindStatic:        {Kind: KindStatic, Label: "Static HTML", RunCommand: "npx serve -s .", DefaultPort: 3000},
	KindUnknown:       {Kind: KindUnknown, Label: "Unknown"},
}

// Builtin returns the stock profile for k.
func Builtin(k Kind) Profile {
	if p, ok := builtin[k]; ok {
		return p
	}
	return builtin[KindUnknown]
}

// Package routegate decides whether a console path renders or redirects.
package routegate

import "strings"

var DefaultPublicPaths = []string{
	"/auth",
	"/welcome",
	"/reset-password",
	"/update-password",
	"/privacy",
	"/terms",
}

var DefaultPublicPrefixes = []string{
	"/assets/",
}

const (
	DefaultLoginPath   = "/auth"
	DefaultLandingPath = "/welcome"
)

type Action int

const (
	Render Action = iota
	Redirect
)

func (a Action) String() string {
	if a == Redirect {
		return "redirect"
	}
	return "render"
}

// Decision is the outcome of Evaluate. From is the path to return to after
// signing in and is only set on login redirects.
type Decision struct {
	Action Action
	Target string
	From   string
}

type Config struct {
	PublicPaths    []string `yaml:"public_paths"`
	PublicPrefixes []string `yaml:"public_prefixes"`
	LoginPath      string   `yaml:"login_path"`
	LandingPath    string   `yaml:"landing_path"`
}

type Gate struct {
	public   map[string]struct{}
	prefixes []string
	login    string
	landing  string
}

// New builds a Gate. Empty config fields take the defaults.
func New(cfg Config) *Gate {
	paths := cfg.PublicPaths
	if len(paths) == 0 {
		paths = DefaultPublicPaths
	}
	prefixes := cfg.PublicPrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPublicPrefixes
	}
	g := &Gate{
		public:   make(map[string]struct{}, len(paths)),
		prefixes: append([]string(nil), prefixes...),
		login:    cfg.LoginPath,
		landing:  cfg.LandingPath,
	}
	for _, p := range paths {
		g.public[normalize(p)] = struct{}{}
	}
	if g.login == "" {
		g.login = DefaultLoginPath
	}
	if g.landing == "" {
		g.landing = DefaultLandingPath
	}
	return g
}

func (g *Gate) LoginPath() string   { return g.login }
func (g *Gate) LandingPath() string { return g.landing }

// IsPublic reports whether path is on the allow-list, either exactly or as a
// sub-path of a listed path.
func (g *Gate) IsPublic(path string) bool {
	path = normalize(path)
	if _, ok := g.public[path]; ok {
		return true
	}
	for p := range g.public {
		if p != "/" && strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	for _, prefix := range g.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Evaluate is a pure function of the path and the authentication flag.
func (g *Gate) Evaluate(path string, authenticated bool) Decision {
	path = normalize(path)
	if g.IsPublic(path) || authenticated {
		return Decision{Action: Render}
	}
	if path == "/" {
		return Decision{Action: Redirect, Target: g.landing}
	}
	return Decision{Action: Redirect, Target: g.login, From: path}
}

func normalize(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

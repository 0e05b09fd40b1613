package config

import "time"

type Config struct {
	ConfigVersion int               `yaml:"configVersion"`
	Revision      string            `yaml:"revision"`
	Server        ServerConfig      `yaml:"server"`
	Admin         AdminConfig       `yaml:"admin"`
	Upstreams     []Upstream        `yaml:"upstreams"`
	Routes        []Route           `yaml:"routes"`
	Policies      map[string]Policy `yaml:"policies"`
	GlobalFilters []GlobalFilter    `yaml:"globalFilters"`
	Limits        []Limit           `yaml:"limits"`
	Flows         []Flow            `yaml:"flows"`
	Rules         []Rule            `yaml:"rules"`
	Grasshopper   GrasshopperConfig `yaml:"grasshopper"`
	Logging       LoggingConfig     `yaml:"logging"`
	Metrics       MetricsConfig     `yaml:"metrics"`
	Tracing       TracingConfig     `yaml:"tracing"`

	baseDir      string         `yaml:"-"`
	sortedRoutes []indexedRoute `yaml:"-"`
}

type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	MaxReadBytes int64         `yaml:"maxReadBytes"`
	Timeout      time.Duration `yaml:"timeout"`
	TLS          TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// AdminConfig serves the inspection API used by non-blocking hosts.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type Upstream struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type Route struct {
	Match    RouteMatch `yaml:"match"`
	Upstream string     `yaml:"upstream"`
	Policy   string     `yaml:"policy"`
}

type RouteMatch struct {
	Host       string `yaml:"host"`
	PathPrefix string `yaml:"pathPrefix"`
}

// Policy is a security policy selected by host and path.
type Policy struct {
	ContentFilter ContentFilterProfile `yaml:"contentFilter"`
	Limits        []string             `yaml:"limits"`
	Actions       PolicyActionSpec     `yaml:"actions"`
}

type ContentFilterProfile struct {
	Enabled          bool     `yaml:"enabled"`
	MaxBodySize      int      `yaml:"maxBodySize"`
	MaxBodyDepth     uint     `yaml:"maxBodyDepth"`
	Decoding         []string `yaml:"decoding"`
	ContentType      []string `yaml:"contentType"`
	RefererAsURI     bool     `yaml:"refererAsURI"`
	AnomalyThreshold int      `yaml:"anomalyThreshold"`
	Action           string   `yaml:"action"`
	Rules            []string `yaml:"rules"`
}

type PolicyActionSpec struct {
	BlockStatusCode int    `yaml:"blockStatusCode"`
	BlockBody       string `yaml:"blockBody"`
}

// GlobalFilter tags matching requests and may decide on them.
// All non-empty conditions in Match must hold.
type GlobalFilter struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	Active bool        `yaml:"active"`
	Tags   []string    `yaml:"tags"`
	Action string      `yaml:"action"`
	Match  FilterMatch `yaml:"match"`

	compiled *CompiledMatch `yaml:"-"`
}

type FilterMatch struct {
	Host    string            `yaml:"host"`
	Path    string            `yaml:"path"`
	Method  string            `yaml:"method"`
	IP      string            `yaml:"ip"`
	Headers map[string]string `yaml:"headers"`
	Cookies map[string]string `yaml:"cookies"`
	Args    map[string]string `yaml:"args"`
}

type Limit struct {
	Name       string  `yaml:"name"`
	Key        string  `yaml:"key"`
	RPS        float64 `yaml:"rps"`
	Burst      int     `yaml:"burst"`
	Action     string  `yaml:"action"`
	StatusCode int     `yaml:"statusCode"`
}

// Flow describes a request sequence. Flows are handed to downstream
// analysis untouched.
type Flow struct {
	Name  string        `yaml:"name"`
	Key   string        `yaml:"key"`
	TTL   time.Duration `yaml:"ttl"`
	Steps []FlowStep    `yaml:"steps"`
}

type FlowStep struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

type Rule struct {
	ID         string    `yaml:"id"`
	Phase      string    `yaml:"phase"`
	Score      int       `yaml:"score"`
	Tags       []string  `yaml:"tags"`
	Transforms []string  `yaml:"transforms"`
	Match      RuleMatch `yaml:"match"`
}

type RuleMatch struct {
	Type         string   `yaml:"type"`
	Pattern      string   `yaml:"pattern"`
	Patterns     []string `yaml:"patterns"`
	PatternsFile string   `yaml:"patternsFile"`
}

type GrasshopperConfig struct {
	Library string `yaml:"library"`
	OnError string `yaml:"onError"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	DecisionLog   string `yaml:"decisionLog"`
	DecisionStore string `yaml:"decisionStore"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
}

// Actions a filter, limit or content filter profile may resolve to.
const (
	ActionNone      = "none"
	ActionMonitor   = "monitor"
	ActionBlock     = "block"
	ActionChallenge = "challenge"
)

// Verification error policies for grasshopper.onError.
const (
	OnErrorDegrade = "degrade"
	OnErrorBlock   = "block"
)

func (c *Config) BaseDir() string {
	return c.baseDir
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}

// LimitsFor returns the limit definitions referenced by a policy, in policy order.
func (c *Config) LimitsFor(p Policy) []Limit {
	if len(p.Limits) == 0 {
		return nil
	}
	byName := make(map[string]Limit, len(c.Limits))
	for _, l := range c.Limits {
		byName[l.Name] = l
	}
	out := make([]Limit, 0, len(p.Limits))
	for _, name := range p.Limits {
		if l, ok := byName[name]; ok {
			out = append(out, l)
		}
	}
	return out
}

// VerificationOnError returns the configured policy, defaulting to degrade.
func (c *Config) VerificationOnError() string {
	if c.Grasshopper.OnError == OnErrorBlock {
		return OnErrorBlock
	}
	return OnErrorDegrade
}

package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ERC_CHAT_"

type Config struct {
	APIBaseURL     string        `yaml:"api_base_url"`
	PushURL        string        `yaml:"push_url"`
	AuthToken      string        `yaml:"auth_token"`
	UserId         int           `yaml:"user_id"`
	ListenAddr     string        `yaml:"listen_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TypingWindow   time.Duration `yaml:"typing_window"`
	HistoryLimit   int           `yaml:"history_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestRate    float64       `yaml:"request_rate"`
	RequestBurst   int           `yaml:"request_burst"`
	ReconnectMin   time.Duration `yaml:"reconnect_min"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
}

func Default() *Config {
	return &Config{
		ListenAddr:     "localhost:8080",
		TypingWindow:   2 * time.Second,
		HistoryLimit:   50,
		RequestTimeout: 10 * time.Second,
		RequestRate:    10,
		RequestBurst:   5,
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   30 * time.Second,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// -config, ERC_CHAT_* variables and finally the flags set in args.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	fset := flag.NewFlagSet("chatbridge", flag.ContinueOnError)
	path := fset.String("config", "", "path to a YAML config file")

	fromFlags := Default()
	fset.StringVar(&fromFlags.APIBaseURL, "api", "", "base URL of the chat REST API")
	fset.StringVar(&fromFlags.PushURL, "push", "", "websocket URL of the push channel")
	fset.StringVar(&fromFlags.AuthToken, "token", "", "bearer token")
	fset.IntVar(&fromFlags.UserId, "user-id", 0, "local user id, read from the token when 0")
	fset.StringVar(&fromFlags.ListenAddr, "addr", fromFlags.ListenAddr, "bridge listen address")
	fset.Var((*stringSliceFlag)(&fromFlags.AllowedOrigins), "allowed-origins", "comma-separated list of allowed origins for CORS")
	fset.DurationVar(&fromFlags.TypingWindow, "typing-window", fromFlags.TypingWindow, "idle time before stop_typing")
	fset.IntVar(&fromFlags.HistoryLimit, "history-limit", fromFlags.HistoryLimit, "messages fetched per room")
	fset.DurationVar(&fromFlags.RequestTimeout, "request-timeout", fromFlags.RequestTimeout, "REST request timeout")
	fset.Float64Var(&fromFlags.RequestRate, "request-rate", fromFlags.RequestRate, "REST requests per second, 0 for unlimited")
	fset.IntVar(&fromFlags.RequestBurst, "request-burst", fromFlags.RequestBurst, "REST request burst")
	fset.DurationVar(&fromFlags.ReconnectMin, "reconnect-min", fromFlags.ReconnectMin, "first reconnect delay")
	fset.DurationVar(&fromFlags.ReconnectMax, "reconnect-max", fromFlags.ReconnectMax, "reconnect delay cap")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.LoadFile(*path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return nil, err
	}

	fset.Visit(func(f *flag.Flag) { cfg.applyFlag(fromFlags, f.Name) })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDotEnv loads variables from .env files into the process
// environment. Missing files are ignored and existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// ApplyEnv overrides fields with the ERC_CHAT_* variables that are set.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) error {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	get := func(name string) (string, bool) {
		v, ok := lookupEnv(envPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []error
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("API_BASE_URL", &c.APIBaseURL)
	str("PUSH_URL", &c.PushURL)
	str("AUTH_TOKEN", &c.AuthToken)
	num("USER_ID", &c.UserId)
	str("LISTEN_ADDR", &c.ListenAddr)
	if v, ok := get("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(v)
	}
	dur("TYPING_WINDOW", &c.TypingWindow)
	num("HISTORY_LIMIT", &c.HistoryLimit)
	dur("REQUEST_TIMEOUT", &c.RequestTimeout)
	if v, ok := get("REQUEST_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREQUEST_RATE: %w", envPrefix, err))
		} else {
			c.RequestRate = f
		}
	}
	num("REQUEST_BURST", &c.RequestBurst)
	dur("RECONNECT_MIN", &c.ReconnectMin)
	dur("RECONNECT_MAX", &c.ReconnectMax)

	return errors.Join(errs...)
}

func (c *Config) applyFlag(src *Config, name string) {
	switch name {
	case "api":
		c.APIBaseURL = src.APIBaseURL
	case "push":
		c.PushURL = src.PushURL
	case "token":
		c.AuthToken = src.AuthToken
	case "user-id":
		c.UserId = src.UserId
	case "addr":
		c.ListenAddr = src.ListenAddr
	case "allowed-origins":
		c.AllowedOrigins = src.AllowedOrigins
	case "typing-window":
		c.TypingWindow = src.TypingWindow
	case "history-limit":
		c.HistoryLimit = src.HistoryLimit
	case "request-timeout":
		c.RequestTimeout = src.RequestTimeout
	case "request-rate":
		c.RequestRate = src.RequestRate
	case "request-burst":
		c.RequestBurst = src.RequestBurst
	case "reconnect-min":
		c.ReconnectMin = src.ReconnectMin
	case "reconnect-max":
		c.ReconnectMax = src.ReconnectMax
	}
}

func (c *Config) Validate() error {
	var errs []error

	if err := checkURL(c.APIBaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api base url: %w", err))
	}
	if err := checkURL(c.PushURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("push url: %w", err))
	}
	if strings.TrimSpace(c.AuthToken) == "" {
		errs = append(errs, errors.New("auth token cannot be empty"))
	}
	if c.UserId < 0 {
		errs = append(errs, errors.New("user id cannot be negative"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address cannot be empty"))
	}
	if c.TypingWindow <= 0 {
		errs = append(errs, errors.New("typing window must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history limit must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.RequestRate < 0 || c.RequestBurst < 0 {
		errs = append(errs, errors.New("request rate and burst cannot be negative"))
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, fmt.Errorf("reconnect delays must satisfy 0 < min <= max, got %s and %s", c.ReconnectMin, c.ReconnectMax))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, " or "))
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, splitList(value)...)
	return nil
}

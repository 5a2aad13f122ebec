package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tuner/internal/pipeline"
	"tuner/internal/state"
)

// Settings is the process configuration, read from the environment (and a
// .env file loaded by main).
type Settings struct {
	Root         string
	Python       string
	StateBackend string
	StateFile    string
	LogFile      string
	AppLog       string
	DB           string
	Etcd         []string
	EtcdKey      string

	Addr   string
	Server string

	StopGrace     time.Duration
	PollInterval  time.Duration
	LogCapacity   int
	BackfillLines int

	Store    pipeline.Credentials
	HFRepoID string
	HFToken  string
}

// Load reads the settings. Relative file paths are resolved against Root.
func Load() (Settings, error) {
	root := os.Getenv("TUNER_ROOT")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Settings{}, fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}

	s := Settings{
		Root:         root,
		Python:       getenv("TUNER_PYTHON", "python3"),
		StateBackend: strings.ToLower(getenv("TUNER_STATE_BACKEND", state.BackendFile)),
		StateFile:    inRoot(root, getenv("TUNER_STATE_FILE", state.DefaultFile)),
		LogFile:      inRoot(root, getenv("TUNER_LOG_FILE", "training.log")),
		AppLog:       inRoot(root, getenv("TUNER_APP_LOG", "tuner.log")),
		DB:           inRoot(root, getenv("TUNER_DB", "tuner.db")),
		EtcdKey:      getenv("TUNER_ETCD_KEY", state.DefaultEtcdKey),
		Addr:         getenv("TUNER_ADDR", ":8000"),
		Server:       getenv("TUNER_SERVER", "http://localhost:8000"),
		Store: pipeline.Credentials{
			Endpoint:  getenv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    os.Getenv("MINIO_BUCKET"),
		},
		HFRepoID: os.Getenv("HF_REPO_ID"),
		HFToken:  os.Getenv("HF_TOKEN"),
	}
	if v := os.Getenv("TUNER_ETCD_ENDPOINTS"); v != "" {
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				s.Etcd = append(s.Etcd, ep)
			}
		}
	}

	var err error
	if s.StopGrace, err = durationEnv("TUNER_STOP_GRACE", 30*time.Second); err != nil {
		return Settings{}, err
	}
	if s.PollInterval, err = durationEnv("TUNER_POLL_INTERVAL", 100*time.Millisecond); err != nil {
		return Settings{}, err
	}
	if s.LogCapacity, err = intEnv("TUNER_LOG_CAPACITY", 2000); err != nil {
		return Settings{}, err
	}
	if s.BackfillLines, err = intEnv("TUNER_BACKFILL_LINES", 100); err != nil {
		return Settings{}, err
	}

	switch s.StateBackend {
	case state.BackendFile, state.BackendSQLite:
	case state.BackendEtcd:
		if len(s.Etcd) == 0 {
			return Settings{}, fmt.Errorf("TUNER_STATE_BACKEND=etcd needs TUNER_ETCD_ENDPOINTS")
		}
	default:
		return Settings{}, fmt.Errorf("TUNER_STATE_BACKEND: unknown backend %q", s.StateBackend)
	}
	return s, nil
}

// StateOptions maps the settings to the state store selection.
func (s Settings) StateOptions() state.Options {
	return state.Options{
		Backend:       s.StateBackend,
		Path:          s.StateFile,
		DSN:           s.DB,
		EtcdEndpoints: s.Etcd,
		EtcdKey:       s.EtcdKey,
	}
}

// ApplyHubDefaults fills the Hub repo and token from the environment when the
// request left them empty.
func (s Settings) ApplyHubDefaults(cfg pipeline.Config) pipeline.Config {
	if strings.TrimSpace(cfg.HFRepoID) == "" {
		cfg.HFRepoID = s.HFRepoID
	}
	if strings.TrimSpace(cfg.HFToken) == "" {
		cfg.HFToken = s.HFToken
	}
	return cfg
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func inRoot(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid positive integer %q", key, v)
	}
	return n, nil
}

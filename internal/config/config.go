package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/Brownie44l1/image-tagger/internal/labels"
	"github.com/Brownie44l1/image-tagger/internal/tags"
)

const (
	DefaultAddr           = "0.0.0.0:8000"
	DefaultModelPath      = "resnet50-v1-7.onnx"
	DefaultLabelsPath     = "imagenet_class_index.json"
	DefaultMaxUploadBytes = 32 << 20
	DefaultFetchTimeout   = 30 * time.Second
)

type Config struct {
	Addr               string
	ModelPath          string
	LabelsPath         string
	LabelsURL          string
	OnnxRuntimeLib     string
	TopK               int
	MaxUploadBytes     int64
	IntraOpThreads     int
	SerializeInference bool
	FetchTimeout       time.Duration
	LogLevel           log.Level
}

// LoadDotenv pulls .env and .env.local into the environment when present.
func LoadDotenv() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			log.WithError(err).Warnf("[Config] Couldn't load %s", f)
		}
	}
}

// Parse builds a Config from args. Environment variables provide the
// defaults, flags override them.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	fs := flag.NewFlagSet("image-tagger", flag.ContinueOnError)

	addr := DefaultAddr
	if port := getenv("PORT"); port != "" {
		addr = ":" + port
	}

	var (
		cfg      Config
		logLevel string
		err      error
	)
	envInt := func(key string, def int) int {
		if err != nil {
			return def
		}
		var v int
		v, err = intEnv(getenv, key, def)
		return v
	}

	fs.StringVar(&cfg.Addr, "addr", stringEnv(getenv, "ADDR", addr), "Address to listen on")
	fs.StringVar(&cfg.ModelPath, "model", stringEnv(getenv, "MODEL_PATH", DefaultModelPath), "Path to the ONNX classification model")
	fs.StringVar(&cfg.LabelsPath, "labels", stringEnv(getenv, "LABELS_PATH", DefaultLabelsPath), "Path of the cached label catalog")
	fs.StringVar(&cfg.LabelsURL, "labels-url", stringEnv(getenv, "LABELS_URL", labels.DefaultURL), "Where to download the label catalog from when it isn't cached")
	fs.StringVar(&cfg.OnnxRuntimeLib, "onnxruntime-lib", getenv("ONNXRUNTIME_LIB"), "Path to the onnxruntime shared library")
	fs.IntVar(&cfg.TopK, "top-k", envInt("TOP_K", tags.DefaultK), "Number of suggested tags per image")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", int64(envInt("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)), "Largest accepted upload")
	fs.IntVar(&cfg.IntraOpThreads, "intra-op-threads", envInt("INTRA_OP_THREADS", 0), "onnxruntime intra-op threads, 0 for the runtime default")
	fs.BoolVar(&cfg.SerializeInference, "serialize-inference", getenv("SERIALIZE_INFERENCE") == "true", "Run one inference at a time")
	fs.StringVar(&logLevel, "log-level", stringEnv(getenv, "LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	fetchTimeout := DefaultFetchTimeout
	if v := getenv("FETCH_TIMEOUT"); v != "" && err == nil {
		fetchTimeout, err = time.ParseDuration(v)
		if err != nil {
			err = fmt.Errorf("FETCH_TIMEOUT: %w", err)
		}
	}
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", fetchTimeout, "Timeout for downloading the label catalog")

	if err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.LogLevel, err = log.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.ModelPath == "":
		return errors.New("model path is required")
	case c.LabelsPath == "":
		return errors.New("labels path is required")
	case c.LabelsURL == "":
		return errors.New("labels url is required")
	case c.TopK < 1:
		return fmt.Errorf("top-k must be at least 1, got %d", c.TopK)
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("max-upload-bytes must be positive, got %d", c.MaxUploadBytes)
	case c.IntraOpThreads < 0:
		return fmt.Errorf("intra-op-threads must not be negative, got %d", c.IntraOpThreads)
	case c.FetchTimeout <= 0:
		return fmt.Errorf("fetch-timeout must be positive, got %s", c.FetchTimeout)
	}
	return nil
}

func stringEnv(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

package cache

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind names a backend implementation in configuration.
type Kind string

const (
	KindNone      Kind = "none"
	KindMemory    Kind = "memory"
	KindLRU       Kind = "lru"
	KindRedis     Kind = "redis"
	KindFirestore Kind = "firestore"
	KindGCS       Kind = "gcs"
)

const defaultLRUSize = 10000

// Config selects and configures the cache backend. An empty Kind disables caching.
type Config struct {
	Kind      Kind             `yaml:"kind"`
	LRUSize   int              `yaml:"lru_size"`
	Redis     *RedisConfig     `yaml:"redis"`
	Firestore *FirestoreConfig `yaml:"firestore"`
	GCS       *GCSConfig       `yaml:"gcs"`
}

// LoadConfig reads a YAML configuration file. A missing file is an error: the
// caller asked for it explicitly.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cache config %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigFromEnv builds a configuration from QUERYCACHE_* environment variables.
// When QUERYCACHE_CONFIG names a file it is loaded first and the remaining
// variables override it.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("QUERYCACHE_CONFIG"); path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if kind := os.Getenv("QUERYCACHE_BACKEND"); kind != "" {
		cfg.Kind = Kind(kind)
	}
	if size := os.Getenv("QUERYCACHE_LRU_SIZE"); size != "" {
		val, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid QUERYCACHE_LRU_SIZE %q: %w", size, err)
		}
		cfg.LRUSize = val
	}

	if addr := os.Getenv("QUERYCACHE_REDIS_ADDR"); addr != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.Addr = addr
	}
	if cfg.Redis != nil {
		if pw := os.Getenv("QUERYCACHE_REDIS_PASSWORD"); pw != "" {
			cfg.Redis.Password = pw
		}
		if db := os.Getenv("QUERYCACHE_REDIS_DB"); db != "" {
			val, err := strconv.Atoi(db)
			if err != nil {
				return nil, fmt.Errorf("invalid QUERYCACHE_REDIS_DB %q: %w", db, err)
			}
			cfg.Redis.DB = val
		}
		if ttl := os.Getenv("QUERYCACHE_REDIS_TTL"); ttl != "" {
			val, err := time.ParseDuration(ttl)
			if err != nil {
				return nil, fmt.Errorf("invalid QUERYCACHE_REDIS_TTL %q: %w", ttl, err)
			}
			cfg.Redis.CacheTTL = val
		}
	}

	if coll := os.Getenv("QUERYCACHE_FIRESTORE_COLLECTION"); coll != "" {
		if cfg.Firestore == nil {
			cfg.Firestore = &FirestoreConfig{}
		}
		cfg.Firestore.CollectionName = coll
	}
	if bucket := os.Getenv("QUERYCACHE_GCS_BUCKET"); bucket != "" {
		if cfg.GCS == nil {
			cfg.GCS = &GCSConfig{}
		}
		cfg.GCS.BucketName = bucket
	}
	if project := os.Getenv("QUERYCACHE_PROJECT_ID"); project != "" {
		if cfg.Firestore != nil && cfg.Firestore.ProjectID == "" {
			cfg.Firestore.ProjectID = project
		}
		if cfg.GCS != nil && cfg.GCS.ProjectID == "" {
			cfg.GCS.ProjectID = project
		}
	}
	return cfg, nil
}

// Enabled reports whether the configuration selects a backend.
func (c *Config) Enabled() bool {
	return c != nil && c.Kind != "" && c.Kind != KindNone
}

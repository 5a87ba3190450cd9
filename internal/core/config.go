// Package core holds the shared configuration model for the scheduling
// engine and its adapters.
package core

import (
	"time"
)

type Config struct {
	Queue    QueueConfig
	Loader   LoaderConfig
	Resolver ResolverConfig
	Spotify  SpotifyConfig
	Server   ServerConfig
	Log      LogConfig
}

type QueueConfig struct {
	// Lookahead is how close to the queue front a track must be for
	// speculative preparation to be scheduled on add.
	Lookahead int
	// PrepCacheCapacity bounds the prepared-item cache. New results are
	// dropped when the cache is full.
	PrepCacheCapacity int
	// MaxConcurrentPreparations caps non-priority background preparations.
	MaxConcurrentPreparations int64
	// PrepDelay spaces out non-priority preparation work.
	PrepDelay time.Duration
}

type LoaderConfig struct {
	BatchSize        int
	BatchPause       time.Duration
	MaxBatchFailures int
}

type ResolverConfig struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BatchSize      int
	BatchFlush     time.Duration
	DefaultSpacing time.Duration
	// SourceSpacing maps a source label to its minimum inter-request
	// interval; sources with stricter quotas get longer gaps.
	SourceSpacing map[string]time.Duration
	CacheSize     int
	CacheTTL      time.Duration
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Lookahead:                 3,
			PrepCacheCapacity:         20,
			MaxConcurrentPreparations: 5,
			PrepDelay:                 time.Second,
		},
		Loader: LoaderConfig{
			BatchSize:        8,
			BatchPause:       500 * time.Millisecond,
			MaxBatchFailures: 3,
		},
		Resolver: ResolverConfig{
			Workers:        4,
			QueueSize:      256,
			MaxAttempts:    3,
			BatchSize:      5,
			BatchFlush:     2 * time.Second,
			DefaultSpacing: 200 * time.Millisecond,
			SourceSpacing: map[string]time.Duration{
				"youtube":    100 * time.Millisecond,
				"spotify":    200 * time.Millisecond,
				"soundcloud": 300 * time.Millisecond,
			},
			CacheSize: 128,
			CacheTTL:  15 * time.Minute,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

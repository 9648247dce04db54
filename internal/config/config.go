package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RPCURL           string
	RPCTimeout       time.Duration
	ContractAddress  string
	Deployment       string
	StartBlock       uint64
	Confirmations    uint64
	BatchSize        uint64
	PollInterval     time.Duration
	BlockTimeout     time.Duration
	RetryWait        time.Duration
	RetryTries       int
	FeedStore        string
	DBDSN            string
	SQLitePath       string
	ScheduledStore   string
	PostgresDSN      string
	HTTPAddr         string
	RedisAddr        string
	OtelEndpoint     string
	KafkaBrokers     []string
	KafkaTopicPrefix string
	LogLevel         string
	LogFormat        string
	LogFile          string
	LogMaxSizeMB     int
	LogMaxBackups    int
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	rpcURL, ok := source.Lookup("RPC_URL")
	if !ok || rpcURL == "" {
		return Config{}, errors.New("RPC_URL is required")
	}
	contractAddress, ok := source.Lookup("CONTRACT_ADDRESS")
	if !ok || strings.TrimSpace(contractAddress) == "" {
		return Config{}, errors.New("CONTRACT_ADDRESS is required")
	}

	deployment := lookupDefault(source, "DEPLOYMENT", "C1")
	blockTime, err := BlockTime(deployment)
	if err != nil {
		return Config{}, err
	}

	startBlock, err := parseUintEnv(source, "START_BLOCK", 0)
	if err != nil {
		return Config{}, err
	}
	confirmations, err := parseUintEnv(source, "CONFIRMATIONS", 0)
	if err != nil {
		return Config{}, err
	}
	batchSize, err := parseUintEnv(source, "BATCH_SIZE", 100)
	if err != nil {
		return Config{}, err
	}
	if batchSize == 0 {
		return Config{}, errors.New("BATCH_SIZE must be positive")
	}
	retryTries, err := parseUintEnv(source, "RETRY_TRIES", 5)
	if err != nil {
		return Config{}, err
	}
	logMaxSize, err := parseUintEnv(source, "LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := parseUintEnv(source, "LOG_MAX_BACKUPS", 3)
	if err != nil {
		return Config{}, err
	}

	pollInterval, err := parseDurationEnv(source, "POLL_INTERVAL", blockTime)
	if err != nil {
		return Config{}, err
	}
	blockTimeout, err := parseDurationEnv(source, "BLOCK_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	rpcTimeout, err := parseDurationEnv(source, "RPC_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	retryWait, err := parseDurationEnv(source, "RETRY_WAIT", time.Second)
	if err != nil {
		return Config{}, err
	}

	feedStore := strings.ToLower(lookupDefault(source, "FEED_STORE", "mysql"))
	if feedStore != "mysql" && feedStore != "sqlite" {
		return Config{}, fmt.Errorf("invalid FEED_STORE %q", feedStore)
	}
	scheduledStore := strings.ToLower(lookupDefault(source, "SCHEDULED_STORE", "postgres"))
	if scheduledStore != "postgres" && scheduledStore != "sqlite" && scheduledStore != "none" {
		return Config{}, fmt.Errorf("invalid SCHEDULED_STORE %q", scheduledStore)
	}

	redisAddr := "127.0.0.1:6379"
	if raw, ok := source.Lookup("REDIS_ADDR"); ok {
		redisAddr = strings.TrimSpace(raw)
	}

	otelEndpoint, _ := source.Lookup("OTEL_EXPORTER_OTLP_ENDPOINT")

	kafkaBrokers, err := parseList(source, "KAFKA_BROKERS", "localhost:9092")
	if err != nil {
		return Config{}, err
	}

	return Config{
		RPCURL:           rpcURL,
		RPCTimeout:       rpcTimeout,
		ContractAddress:  strings.TrimSpace(contractAddress),
		Deployment:       deployment,
		StartBlock:       startBlock,
		Confirmations:    confirmations,
		BatchSize:        batchSize,
		PollInterval:     pollInterval,
		BlockTimeout:     blockTimeout,
		RetryWait:        retryWait,
		RetryTries:       int(retryTries),
		FeedStore:        feedStore,
		DBDSN:            lookupDefault(source, "DB_DSN", "root:@tcp(127.0.0.1:3306)/chainfunnel?parseTime=true&multiStatements=true"),
		SQLitePath:       lookupDefault(source, "SQLITE_PATH", "data/chainfunnel.db"),
		ScheduledStore:   scheduledStore,
		PostgresDSN:      lookupDefault(source, "POSTGRES_DSN", "postgres://postgres@localhost:5432/chainfunnel?sslmode=disable"),
		HTTPAddr:         lookupDefault(source, "HTTP_ADDR", ":8080"),
		RedisAddr:        redisAddr,
		OtelEndpoint:     strings.TrimSpace(otelEndpoint),
		KafkaBrokers:     kafkaBrokers,
		KafkaTopicPrefix: lookupDefault(source, "KAFKA_TOPIC_PREFIX", "chainfunnel-feed"),
		LogLevel:         lookupDefault(source, "LOG_LEVEL", "info"),
		LogFormat:        strings.ToLower(lookupDefault(source, "LOG_FORMAT", "text")),
		LogFile:          strings.TrimSpace(lookupDefault(source, "LOG_FILE", "")),
		LogMaxSizeMB:     int(logMaxSize),
		LogMaxBackups:    int(logMaxBackups),
	}, nil
}

func lookupDefault(source EnvSource, key, defaultValue string) string {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue
	}
	return raw
}

func parseUintEnv(source EnvSource, key string, defaultValue uint64) (uint64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseDurationEnv(source EnvSource, key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return duration, nil
}

func parseList(source EnvSource, key string, defaultValue string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = defaultValue
	}
	items := strings.Split(raw, ",")
	var values []string
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s is required", key)
	}
	return values, nil
}

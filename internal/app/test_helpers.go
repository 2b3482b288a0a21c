package app

import (
	log "github.com/sirupsen/logrus"
)

const testSigningSecret = "test-signing-secret-0123456789"

// newTestConfig возвращает конфигурацию для запуска на свободных локальных портах.
func newTestConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.SigningSecret = testSigningSecret
	cfg.KafkaBrokers = ""
	cfg.RedisAddr = ""
	return cfg
}

func quietLogger(name string) *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("test", name)
}

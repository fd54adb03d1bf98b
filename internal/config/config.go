package config

import (
	"log/slog"
	"os"
)

type Config struct {
	Port          string
	MQTTBrokerURL string
	LogLevel      string
	Postgres      DBConfig
	HistoryKeep   string // retention window for history samples, e.g. "720h"
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("SOLAR_HUB_PORT", "8090"),
		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "solarhub"),
			Host:     getEnv("POSTGRES_HOST", "postgres"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		HistoryKeep: getEnv("HISTORY_KEEP", "720h"),
	}
	slog.Info("solar-hub config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL)
	return cfg
}

type AgentConfig struct {
	DeviceID      string
	MQTTBrokerURL string
	SetupPort     string
	CredsPath     string
	WiFiInterface string
	LogLevel      string
}

func LoadAgent() *AgentConfig {
	cfg := &AgentConfig{
		DeviceID:      getEnv("SOLAR_DEVICE_ID", ""),
		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		SetupPort:     getEnv("SOLAR_SETUP_PORT", "8091"),
		CredsPath:     getEnv("SOLAR_CREDS_PATH", "/var/lib/solar-agent/wifi.json"),
		WiFiInterface: os.Getenv("SOLAR_WIFI_IFACE"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
	slog.Info("solar-agent config loaded", "device_id", cfg.DeviceID, "mqtt", cfg.MQTTBrokerURL)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

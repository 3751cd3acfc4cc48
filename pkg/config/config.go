package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Providers ProviderConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
}

// ProviderConfig holds endpoints and credentials for external data sources.
type ProviderConfig struct {
	HereAPIKey         string
	OSRMBaseURL        string
	NominatimEndpoints []string
	OverpassEndpoint   string
	UserAgent          string
}

// Load reads configuration from the environment, consulting .env when present.
func Load(serviceName string) (*Config, error) {
	// A missing .env is not an error; env vars may come from the deployment.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvInt("READ_TIMEOUT", 30),
			WriteTimeout: getEnvInt("WRITE_TIMEOUT", 90),
		},
		Providers: ProviderConfig{
			HereAPIKey:       os.Getenv("HERE_API_KEY"),
			OSRMBaseURL:      getEnv("OSRM_BASE_URL", "https://router.project-osrm.org"),
			OverpassEndpoint: getEnv("OVERPASS_ENDPOINT", "https://overpass-api.de/api/interpreter"),
			UserAgent:        getEnv("GEOCODER_USER_AGENT", "fleet-routing/0.9 (route enrichment)"),
			NominatimEndpoints: []string{
				getEnv("NOMINATIM_ENDPOINT", "https://nominatim.openstreetmap.org"),
			},
		},
	}

	if fallback := os.Getenv("NOMINATIM_FALLBACK_ENDPOINT"); fallback != "" {
		cfg.Providers.NominatimEndpoints = append(cfg.Providers.NominatimEndpoints, fallback)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

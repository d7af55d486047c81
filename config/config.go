package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds every setting read from the environment.
type Config struct {
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogFile    string `mapstructure:"LOG_FILE"`

	// Document store
	StorageType                 string `mapstructure:"STORAGE_TYPE"`
	DataSourceName              string `mapstructure:"DATA_SOURCE_NAME"`
	MongoURI                    string `mapstructure:"MONGO_URI"`
	MongoDatabase               string `mapstructure:"MONGO_DATABASE"`
	AzureTablesConnectionString string `mapstructure:"AZURE_TABLES_CONNECTION_STRING"`
	AzureTablesTable            string `mapstructure:"AZURE_TABLES_TABLE"`

	// Read cache
	RedisURL string        `mapstructure:"REDIS_URL"`
	CacheTTL time.Duration `mapstructure:"CACHE_TTL"`

	// Blob storage
	BlobStorage                  string        `mapstructure:"BLOB_STORAGE"`
	UploadFolder                 string        `mapstructure:"UPLOAD_FOLDER"`
	S3BucketName                 string        `mapstructure:"S3_BUCKET_NAME"`
	S3PresignTTL                 time.Duration `mapstructure:"S3_PRESIGN_TTL"`
	AzureStorageConnectionString string        `mapstructure:"AZURE_STORAGE_CONNECTION_STRING"`
	AzureStorageAccountName      string        `mapstructure:"AZURE_STORAGE_ACCOUNT_NAME"`
	AzureStorageAccountKey       string        `mapstructure:"AZURE_STORAGE_ACCOUNT_KEY"`
	AzureStorageContainerName    string        `mapstructure:"AZURE_STORAGE_CONTAINER_NAME"`
	MaxUploadBytes               int64         `mapstructure:"MAX_UPLOAD_BYTES"`

	CORSOrigins       string        `mapstructure:"CORS_ORIGINS"`
	PresenceHeartbeat time.Duration `mapstructure:"PRESENCE_HEARTBEAT"`
}

var defaults = map[string]any{
	"LISTEN_ADDR":                     ":5000",
	"LOG_LEVEL":                       "info",
	"LOG_FILE":                        "",
	"STORAGE_TYPE":                    "memory",
	"DATA_SOURCE_NAME":                "taskflow.db",
	"MONGO_URI":                       "mongodb://localhost:27017/",
	"MONGO_DATABASE":                  "tododb",
	"AZURE_TABLES_CONNECTION_STRING":  "",
	"AZURE_TABLES_TABLE":              "tasks",
	"REDIS_URL":                       "",
	"CACHE_TTL":                       5 * time.Minute,
	"BLOB_STORAGE":                    "local",
	"UPLOAD_FOLDER":                   "uploads",
	"S3_BUCKET_NAME":                  "",
	"S3_PRESIGN_TTL":                  15 * time.Minute,
	"AZURE_STORAGE_CONNECTION_STRING": "",
	"AZURE_STORAGE_ACCOUNT_NAME":      "",
	"AZURE_STORAGE_ACCOUNT_KEY":       "",
	"AZURE_STORAGE_CONTAINER_NAME":    "uploads",
	"MAX_UPLOAD_BYTES":                int64(16 << 20),
	"CORS_ORIGINS":                    "",
	"PRESENCE_HEARTBEAT":              30 * time.Second,
}

// Load reads .env (when present) into the process environment and then
// decodes the environment into a Config. The .env file is loaded into the
// environment rather than only into viper because the AWS and Azure SDKs read
// their credentials from it directly.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}
	return FromEnv(viper.New())
}

// FromEnv decodes the environment through v.
func FromEnv(v *viper.Viper) (Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))
	cfg.BlobStorage = strings.ToLower(strings.TrimSpace(cfg.BlobStorage))
	return cfg, nil
}

// Origins splits CORS_ORIGINS into a list.
func (c Config) Origins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/AnTengye/dealdesk/backend/model"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database"`
	Minio      MinioConfig            `yaml:"minio"`
	Mineru     MineruConfig           `yaml:"mineru"`
	LLM        LLMConfig              `yaml:"llm"`
	Auth       AuthConfig             `yaml:"auth"`
	Log        LogConfig              `yaml:"log"`
	Upload     UploadConfig           `yaml:"upload"`
	Pipeline   PipelineConfig         `yaml:"pipeline"`
	Compliance []model.ComplianceItem `yaml:"compliance"`
	Users      []User                 `yaml:"users"`
}

type ServerConfig struct {
	Port              int     `yaml:"port"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DatabaseConfig selects the store backend. Driver is "memory" or "postgres".
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	MaxDocuments int    `yaml:"max_documents"` // memory driver only, 0 = unlimited
}

// DSN returns the postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type MineruConfig struct {
	APIURL              string `yaml:"api_url"`
	APIToken            string `yaml:"api_token"`
	ModelVersion        string `yaml:"model_version"`
	CallbackURL         string `yaml:"callback_url"`
	Seed                string `yaml:"seed"`
	UID                 string `yaml:"uid"` // account uid, part of the callback checksum
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// PollInterval is how often a pending task is polled when no callback arrives
func (m MineruConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalSeconds) * time.Second
}

// LLMConfig configures the OpenAI-compatible chat model used for text analysis
type LLMConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Temperature       float32 `yaml:"temperature"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
}

// Enabled reports whether an LLM endpoint is configured
func (l LLMConfig) Enabled() bool {
	return l.APIKey != "" && l.Model != ""
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type UploadConfig struct {
	MaxFileSizeMB int      `yaml:"max_file_size_mb"`
	AllowedTypes  []string `yaml:"allowed_types"`
}

// MaxFileSize returns the upload limit in bytes
func (u UploadConfig) MaxFileSize() int64 {
	return int64(u.MaxFileSizeMB) * 1024 * 1024
}

// Allowed reports whether contentType may be uploaded
func (u UploadConfig) Allowed(contentType string) bool {
	for _, t := range u.AllowedTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

type PipelineConfig struct {
	DocumentTimeoutSeconds int `yaml:"document_timeout_seconds"`
	MaxDocumentsPerDeal    int `yaml:"max_documents_per_deal"`
	ClassifierMaxChars     int `yaml:"classifier_max_chars"`
	AnalyzerMaxChars       int `yaml:"analyzer_max_chars"`
}

// DocumentTimeout is the ceiling for processing a single document
func (p PipelineConfig) DocumentTimeout() time.Duration {
	return time.Duration(p.DocumentTimeoutSeconds) * time.Second
}

// User is a bootstrap account created on startup when missing
type User struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// DefaultAllowedTypes are the MIME types accepted for upload
var DefaultAllowedTypes = []string{
	"application/pdf",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/msword",
	"text/plain",
	"text/markdown",
	"text/csv",
	"text/html",
}

// DefaultCompliance is the compliance block used when none is configured
var DefaultCompliance = []model.ComplianceItem{
	{Key: "gdpr_compliance", Value: "Compliant"},
	{Key: "sec_compliance", Value: "Compliant"},
	{Key: "data_retention", Value: "7 years maintained"},
	{Key: "audit_trail", Value: "Complete"},
}

// Secret overrides read from the environment after the file is parsed
const (
	EnvJWTSecret      = "DEALDESK_JWT_SECRET"
	EnvDBPassword     = "DEALDESK_DB_PASSWORD"
	EnvLLMAPIKey      = "DEALDESK_LLM_API_KEY"
	EnvMinioSecretKey = "DEALDESK_MINIO_SECRET_KEY"
)

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	GlobalConfig = &cfg
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		EnvJWTSecret:      &c.Auth.JWTSecret,
		EnvDBPassword:     &c.Database.Password,
		EnvLLMAPIKey:      &c.LLM.APIKey,
		EnvMinioSecretKey: &c.Minio.SecretKey,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RequestsPerSecond == 0 {
		c.Server.RequestsPerSecond = 10
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 20
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Minio.Region == "" {
		c.Minio.Region = "us-east-1"
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.Mineru.ModelVersion == "" {
		c.Mineru.ModelVersion = "vlm"
	}
	if c.Mineru.PollIntervalSeconds == 0 {
		c.Mineru.PollIntervalSeconds = 5
	}
	if c.LLM.RequestsPerMinute == 0 {
		c.LLM.RequestsPerMinute = 60
	}
	if c.LLM.Burst == 0 {
		c.LLM.Burst = 1
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Upload.MaxFileSizeMB == 0 {
		c.Upload.MaxFileSizeMB = 50
	}
	if len(c.Upload.AllowedTypes) == 0 {
		c.Upload.AllowedTypes = append([]string(nil), DefaultAllowedTypes...)
	}
	if c.Pipeline.DocumentTimeoutSeconds == 0 {
		c.Pipeline.DocumentTimeoutSeconds = 300
	}
	if c.Pipeline.MaxDocumentsPerDeal == 0 {
		c.Pipeline.MaxDocumentsPerDeal = 100
	}
	if c.Pipeline.ClassifierMaxChars == 0 {
		c.Pipeline.ClassifierMaxChars = 512
	}
	if c.Pipeline.AnalyzerMaxChars == 0 {
		c.Pipeline.AnalyzerMaxChars = 12000
	}
	if len(c.Compliance) == 0 {
		c.Compliance = append([]model.ComplianceItem(nil), DefaultCompliance...)
	}
}

// FindUser finds a bootstrap user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

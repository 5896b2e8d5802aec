package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"smartpark-worker-go/internal/models"
	"smartpark-worker-go/internal/services/fusion"
)

type Config struct {
	// Application
	Version      string
	Environment  string
	WorkerID     string
	HardwareCode string
	Port         int
	LogLevel     string
	APIEnabled   bool

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// Detection
	DetectionMode string
	ZonesFile     string

	// Video source: webcam index ("0") or a file / RTSP URL
	VideoSource            string
	VideoLoop              bool
	MaxFPS                 int
	MaxConsecutiveFailures int
	FPSLogInterval         int

	// Threshold detector
	ThresholdValue   int
	ScaleFactor      float64
	AdaptiveMaxValue float64
	AdaptiveMethod   string
	ThresholdType    string
	BlockSize        int
	CConstant        float64
	MedianBlurKsize  int
	DilateKernelSize int
	DilateIterations int

	// Object detector (ONNX model through OpenCV DNN)
	ObjectEnabled       bool
	ModelPath           string
	ObjectConfidence    float64
	ObjectIOU           float64
	ObjectDevice        string
	ObjectImageSize     int
	ObjectMaxDetections int
	OverlapThreshold    float64
	FreeConfidence      float64

	// Hybrid fusion
	FusionStrategy       string
	ThresholdWeight      float64
	ObjectWeight         float64
	ConfidenceAdjustment float64

	// Backend API
	BackendEnabled    bool
	BackendURL        string
	APIKey            string
	LotID             string
	BackendTimeout    time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	BatchSize         int
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	VehicleTypeIDs    map[string]int

	// NATS (slot events on the bus)
	// Default: nats://localhost:4222 (works with Docker Compose setup)
	// Docker: Use nats://nats:4222 if running worker in Docker
	NatsEnabled        bool
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int
	NatsDrainTimeout   time.Duration // For graceful shutdown
	NatsSubject        string

	// MQTT
	MQTTEnabled        bool
	MQTTBroker         string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTTopic          string
	MQTTQoS            int
	MQTTRetain         bool
	MQTTConnectTimeout time.Duration

	// Kafka
	KafkaEnabled  bool
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaClientID string

	// Snapshots
	SnapshotDir     string
	SnapshotQuality int
	MinioEnabled    bool
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool
	MinioRegion     string

	// Performance tracking
	PerformanceHistorySize int
	MetricsExportDir       string

	// Control API
	DebugFrameTTL time.Duration
	SwaggerHost   string
	SwaggerPort   int

	// Live MJPEG view
	StreamEnabled bool
	StreamMaxFPS  int
	StreamQuality int

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	vehicleTypeIDs, err := ParseVehicleTypeIDs(getEnv("VEHICLE_TYPE_IDS", "car=1,motorcycle=2,bus=3,truck=4"))
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed VEHICLE_TYPE_IDS")
	}

	return &Config{
		// Application
		Version:      getEnv("VERSION", "1.0.0"),
		Environment:  getEnv("ENVIRONMENT", "development"),
		WorkerID:     getEnv("WORKER_ID", "smartpark-worker-1"),
		HardwareCode: getEnv("HARDWARE_CODE", "CAM-DEMO-01"),
		Port:         getEnvInt("PORT", 5000),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		APIEnabled:   getEnvBool("API_ENABLED", true),

		// Logdy
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),

		// Detection
		DetectionMode: getEnv("DETECTION_MODE", string(models.DetectionModeThreshold)),
		ZonesFile:     getEnv("ZONES_FILE", "config/zones.yaml"),

		// Video source
		VideoSource:            getEnv("VIDEO_SOURCE", "0"),
		VideoLoop:              getEnvBool("VIDEO_LOOP", true),
		MaxFPS:                 getEnvInt("MAX_FPS", 30),
		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 10),
		FPSLogInterval:         getEnvInt("FPS_LOG_INTERVAL", 30),

		// Threshold detector
		ThresholdValue:   getEnvInt("THRESHOLD_VALUE", 3000),
		ScaleFactor:      getEnvFloat("THRESHOLD_SCALE_FACTOR", 0.67),
		AdaptiveMaxValue: getEnvFloat("THRESHOLD_ADAPTIVE_MAX_VALUE", 255),
		AdaptiveMethod:   getEnv("THRESHOLD_ADAPTIVE_METHOD", "ADAPTIVE_THRESH_GAUSSIAN_C"),
		ThresholdType:    getEnv("THRESHOLD_TYPE", "THRESH_BINARY_INV"),
		BlockSize:        getEnvInt("THRESHOLD_BLOCK_SIZE", 25),
		CConstant:        getEnvFloat("THRESHOLD_C_CONSTANT", 16),
		MedianBlurKsize:  getEnvInt("THRESHOLD_MEDIAN_BLUR_KSIZE", 5),
		DilateKernelSize: getEnvInt("THRESHOLD_DILATE_KERNEL_SIZE", 3),
		DilateIterations: getEnvInt("THRESHOLD_DILATE_ITERATIONS", 1),

		// Object detector
		ObjectEnabled:       getEnvBool("OBJECT_ENABLED", true),
		ModelPath:           getEnv("OBJECT_MODEL_PATH", "models/yolov8n.onnx"),
		ObjectConfidence:    getEnvFloat("OBJECT_CONFIDENCE", 0.5),
		ObjectIOU:           getEnvFloat("OBJECT_IOU", 0.45),
		ObjectDevice:        getEnv("OBJECT_DEVICE", "cpu"),
		ObjectImageSize:     getEnvInt("OBJECT_IMAGE_SIZE", 640),
		ObjectMaxDetections: getEnvInt("OBJECT_MAX_DETECTIONS", 300),
		OverlapThreshold:    getEnvFloat("OBJECT_OVERLAP_THRESHOLD", 0.3),
		FreeConfidence:      getEnvFloat("OBJECT_FREE_CONFIDENCE", 0.95),

		// Hybrid fusion
		FusionStrategy:       getEnv("FUSION_STRATEGY", string(fusion.StrategyConsensusPriority)),
		ThresholdWeight:      getEnvFloat("FUSION_THRESHOLD_WEIGHT", 0.4),
		ObjectWeight:         getEnvFloat("FUSION_OBJECT_WEIGHT", 0.6),
		ConfidenceAdjustment: getEnvFloat("FUSION_CONFIDENCE_ADJUSTMENT", 0.8),

		// Backend API
		BackendEnabled:    getEnvBool("BACKEND_ENABLED", true),
		BackendURL:        getEnv("BACKEND_URL", "http://localhost:8000"),
		APIKey:            getEnv("API_KEY", ""),
		LotID:             getEnv("LOT_ID", ""),
		BackendTimeout:    getEnvDuration("BACKEND_TIMEOUT", 30*time.Second),
		RetryAttempts:     getEnvInt("BACKEND_RETRY_ATTEMPTS", 3),
		RetryDelay:        getEnvDuration("BACKEND_RETRY_DELAY", time.Second),
		BatchSize:         getEnvInt("BACKEND_BATCH_SIZE", 10),
		FlushInterval:     getEnvDuration("BACKEND_FLUSH_INTERVAL", 30*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Minute),
		VehicleTypeIDs:    vehicleTypeIDs,

		// NATS (configured for Docker Compose setup)
		NatsEnabled:        getEnvBool("NATS_ENABLED", false),
		NatsURL:            getNatsURL(),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited
		NatsDrainTimeout:   getEnvDuration("NATS_DRAIN_TIMEOUT", 5*time.Second),
		NatsSubject:        getEnv("NATS_SUBJECT", "smartpark.slots"),

		// MQTT
		MQTTEnabled:        getEnvBool("MQTT_ENABLED", false),
		MQTTBroker:         getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", "smartpark-worker"),
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:          getEnv("MQTT_TOPIC", "smartpark/slots"),
		MQTTQoS:            getEnvInt("MQTT_QOS", 1),
		MQTTRetain:         getEnvBool("MQTT_RETAIN", false),
		MQTTConnectTimeout: getEnvDuration("MQTT_CONNECT_TIMEOUT", 30*time.Second),

		// Kafka
		KafkaEnabled:  getEnvBool("KAFKA_ENABLED", false),
		KafkaBrokers:  getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "smartpark-slot-events"),
		KafkaClientID: getEnv("KAFKA_CLIENT_ID", "smartpark-worker"),

		// Snapshots
		SnapshotDir:     getEnv("SNAPSHOT_DIR", "snapshots"),
		SnapshotQuality: getEnvInt("SNAPSHOT_QUALITY", 90),
		MinioEnabled:    getEnvBool("MINIO_ENABLED", false),
		MinioEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:     getEnv("MINIO_BUCKET", "smartpark-snapshots"),
		MinioUseSSL:     getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:     getEnv("MINIO_REGION", "us-east-1"),

		// Performance tracking
		PerformanceHistorySize: getEnvInt("PERFORMANCE_HISTORY_SIZE", 1000),
		MetricsExportDir:       getEnv("METRICS_EXPORT_DIR", "logs"),

		// Control API
		DebugFrameTTL: getEnvDuration("DEBUG_FRAME_TTL", 500*time.Millisecond),
		SwaggerHost:   getEnv("SWAGGER_HOST", "localhost"),
		SwaggerPort:   getEnvInt("SWAGGER_PORT", 5000),

		// Live MJPEG view
		StreamEnabled: getEnvBool("STREAM_ENABLED", true),
		StreamMaxFPS:  getEnvInt("STREAM_MAX_FPS", 10),
		StreamQuality: getEnvInt("STREAM_QUALITY", 75),

		// Graceful Shutdown
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// Validate reports every setting that would make the worker fail at startup
func (c *Config) Validate() error {
	var errs []error

	if _, err := models.ParseDetectionMode(c.DetectionMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := fusion.ParseStrategy(c.FusionStrategy); err != nil {
		errs = append(errs, err)
	}
	if err := fusion.ValidateWeights(c.ThresholdWeight, c.ObjectWeight); err != nil {
		errs = append(errs, fmt.Errorf("FUSION_THRESHOLD_WEIGHT/FUSION_OBJECT_WEIGHT: %w", err))
	}
	if c.ThresholdValue <= 0 {
		errs = append(errs, fmt.Errorf("THRESHOLD_VALUE must be positive, got %d", c.ThresholdValue))
	}
	if c.BlockSize <= 1 || c.BlockSize%2 == 0 {
		errs = append(errs, fmt.Errorf("THRESHOLD_BLOCK_SIZE must be odd and greater than 1, got %d", c.BlockSize))
	}
	if c.MedianBlurKsize <= 1 || c.MedianBlurKsize%2 == 0 {
		errs = append(errs, fmt.Errorf("THRESHOLD_MEDIAN_BLUR_KSIZE must be odd and greater than 1, got %d", c.MedianBlurKsize))
	}
	if c.ObjectConfidence < 0 || c.ObjectConfidence > 1 {
		errs = append(errs, fmt.Errorf("OBJECT_CONFIDENCE must be within [0, 1], got %.2f", c.ObjectConfidence))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.BackendEnabled && c.BackendURL == "" {
		errs = append(errs, errors.New("BACKEND_URL is required when the backend is enabled"))
	}
	if c.MQTTEnabled && (c.MQTTQoS < 0 || c.MQTTQoS > 2) {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when Kafka is enabled"))
	}
	if c.MinioEnabled && c.MinioBucket == "" {
		errs = append(errs, errors.New("MINIO_BUCKET is required when MinIO is enabled"))
	}

	return errors.Join(errs...)
}

// ParseVehicleTypeIDs parses "car=1,bus=3" into a class name to backend id map
func ParseVehicleTypeIDs(raw string) (map[string]int, error) {
	var errs []error
	entries := lo.FilterMap(strings.Split(raw, ","), func(item string, _ int) (lo.Entry[string, int], bool) {
		item = strings.TrimSpace(item)
		if item == "" {
			return lo.Entry[string, int]{}, false
		}
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			errs = append(errs, fmt.Errorf("vehicle type %q: expected name=id", item))
			return lo.Entry[string, int]{}, false
		}
		id, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("vehicle type %q: %w", item, err))
			return lo.Entry[string, int]{}, false
		}
		return lo.Entry[string, int]{Key: strings.ToLower(strings.TrimSpace(name)), Value: id}, true
	})
	return lo.FromEntries(entries), errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return lo.FilterMap(strings.Split(value, ","), func(item string, _ int) (string, bool) {
		item = strings.TrimSpace(item)
		return item, item != ""
	})
}

// Helper functions for Docker environment detection
func isRunningInDocker() bool {
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}

	if isRunningInDocker() {
		return "nats://nats:4222"
	}

	return "nats://localhost:4222"
}

package config

// EnvPrefix is passed to envconfig; individual fields carry fully qualified
// names so the prefix stays empty.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv       = "PLATESAVER_APP_ENV"
	EnvDBDSN        = "PLATESAVER_DB_DSN"
	EnvDBHost       = "PLATESAVER_DB_HOST"
	EnvDBUser       = "PLATESAVER_DB_USER"
	EnvDBName       = "PLATESAVER_DB_NAME"
	EnvRedisURL     = "PLATESAVER_REDIS_URL"
	EnvGCPProjectID = "PLATESAVER_GCP_PROJECT_ID"

	EnvSweepInterval   = "PLATESAVER_SWEEP_INTERVAL"
	EnvNoShowThreshold = "PLATESAVER_NOSHOW_THRESHOLD"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

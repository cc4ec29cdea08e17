package common

const (
	EnvKeyGoEnv string = "GO_ENV"

	EnvKeyRunIntegrationTests string = "RUN_INTEGRATION_TESTS"

	EnvKeyVitalsDBType string = "VITALS_DB_TYPE"
	EnvKeyVitalsDbPath string = "VITALS_DB_PATH"

	EnvKeyVitalsHttpHostPort string = "VITALS_HTTP_HOST_PORT"
	EnvKeyVitalsGrpcHostPort string = "VITALS_GRPC_HOST_PORT"

	EnvKeyVitalsDefaultRate  string = "VITALS_DEFAULT_RATE"
	EnvKeyVitalsDefaultBurst string = "VITALS_DEFAULT_BURST"

	EnvKeyVitalsJWTSecret      string = "VITALS_JWT_SECRET"
	EnvKeyVitalsThresholdsFile string = "VITALS_THRESHOLDS_FILE"

	EnvKeyVitalsUpdateInterval string = "VITALS_UPDATE_INTERVAL"
	EnvKeyVitalsClearAfter     string = "VITALS_CLEAR_AFTER"
	EnvKeyVitalsForceEmitAfter string = "VITALS_FORCE_EMIT_AFTER"
	EnvKeyVitalsListCap        string = "VITALS_LIST_CAP"
	EnvKeyVitalsRetention      string = "VITALS_RETENTION"
	EnvKeyVitalsAckCoalesce    string = "VITALS_ACK_COALESCE"
	EnvKeyVitalsAuthTimeout    string = "VITALS_AUTH_TIMEOUT"

	EnvKeyVitalsMqttBroker     string = "VITALS_MQTT_BROKER"
	EnvKeyVitalsMqttTopic      string = "VITALS_MQTT_TOPIC"
	EnvKeyVitalsNatsURL        string = "VITALS_NATS_URL"
	EnvKeyVitalsAllowedOrigins string = "VITALS_ALLOWED_ORIGINS"

	LoggerNameVitalsCore     string = "vitals_core"
	LoggerNameRestfulServer  string = "restful_server"
	LoggerNameGrpcServer     string = "grpc_server"
	LoggerNameRealtimeHub    string = "realtime_hub"
	LoggerNameRealtimeClient string = "realtime_client"
	LoggerNameMqttIngest     string = "mqtt_ingest"
	LoggerNameNatsBus        string = "nats_bus"
	LoggerNameHistory        string = "history"

	LoggerFieldCategory        string = "category"
	LoggerCategoryClassifier   string = "classifier"
	LoggerCategoryAlert        string = "alert"
	LoggerCategorySubscription string = "subscription"
	LoggerCategoryConnection   string = "connection"
	LoggerCategoryIngest       string = "ingest"
	LoggerCategoryRetention    string = "retention"
)

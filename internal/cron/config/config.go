package cron_config

type Config struct {
	// Heartbeat check, every minute
	CronScheduleHeartbeat string `env:"CRON_SCHEDULE_HEARTBEAT" envDefault:"0 * * * * *"`
	// Connection pool reaper, every 30 seconds
	CronSchedulePoolReaper string `env:"CRON_SCHEDULE_POOL_REAPER" envDefault:"*/30 * * * * *"`
	// Queue depth report, every 5 minutes
	CronScheduleQueueReport string `env:"CRON_SCHEDULE_QUEUE_REPORT" envDefault:"0 */5 * * * *"`
}

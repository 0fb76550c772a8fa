package config

import "time"

// NewSlackForTest creates a Slack config for testing purposes
func NewSlackForTest(botToken, notifyChannel, apiURL string) *Slack {
	return &Slack{
		botToken:      botToken,
		notifyChannel: notifyChannel,
		apiURL:        apiURL,
	}
}

// NewWorkspaceForTest creates a Workspace config reading secrets from lookup
func NewWorkspaceForTest(path string, lookup func(string) string) *Workspace {
	return &Workspace{path: path, lookup: lookup}
}

func NewLoggerForTest(level, format, output string) *Logger {
	return &Logger{level: level, format: format, output: output}
}

func NewSchedulerForTest(interval time.Duration, concurrency, batch int, redisAddr string) *Scheduler {
	return &Scheduler{
		interval:    interval,
		concurrency: concurrency,
		batch:       batch,
		redisAddr:   redisAddr,
		lockKey:     "herald:test",
	}
}

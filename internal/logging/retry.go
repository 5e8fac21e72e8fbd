package logging

import "github.com/sirupsen/logrus"

// RetryLogger 把 logrus 适配为 go-retryablehttp 的 LeveledLogger。
// 重试库的 Info/Debug 日志噪声较大，统一降到 Debug 级别输出。
type RetryLogger struct {
	Logger logrus.FieldLogger
}

func (l RetryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}

func (l RetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}

func (l RetryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

func (l RetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

func (l RetryLogger) entry(keysAndValues []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{"action": "http_retry"}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.Logger.WithFields(fields)
}

package transport

import (
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// zapPahoLogger 将 paho 的日志接口转到 zap
type zapPahoLogger struct {
	write func(msg string, fields ...zap.Field)
}

func (l zapPahoLogger) Println(v ...interface{}) {
	l.write(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l zapPahoLogger) Printf(format string, v ...interface{}) {
	l.write(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// SetPahoLogger 设置 paho 的全局日志输出；debug 为 true 时输出调试日志
func SetPahoLogger(log *zap.Logger, debug bool) {
	if log == nil {
		return
	}
	log = log.Named("paho")
	mqtt.CRITICAL = zapPahoLogger{write: log.Error}
	mqtt.ERROR = zapPahoLogger{write: log.Error}
	mqtt.WARN = zapPahoLogger{write: log.Warn}
	if debug {
		mqtt.DEBUG = zapPahoLogger{write: log.Debug}
	} else {
		mqtt.DEBUG = mqtt.NOOPLogger{}
	}
}

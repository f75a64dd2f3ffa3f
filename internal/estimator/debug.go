package estimator

import "github.com/banshee-data/posefusion/internal/monitoring"

var logs = monitoring.NewStreams("[estimator] ")

func opsf(format string, args ...interface{})   { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{})  { logs.Diagf(format, args...) }
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }

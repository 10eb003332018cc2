// Package zap adapts a *zap.Logger to recordcache.Logger.
package zap

import (
	"github.com/unkn0wn-root/recordcache"
	"go.uber.org/zap"
)

var _ recordcache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names the logger after the component, e.g. New(base, "orgs").
func New(l *zap.Logger, name string) ZapLogger {
	if name != "" {
		l = l.Named(name)
	}
	return ZapLogger{L: l}
}

func (z ZapLogger) Debug(msg string, f recordcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f recordcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f recordcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f recordcache.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f recordcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

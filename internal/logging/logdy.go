package logging

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/logdyhq/logdy-core/logdy"

	"smartpark-worker-go/internal/config"
)

type logdyWriter struct {
	logger logdy.Logdy
}

func (w *logdyWriter) Write(p []byte) (n int, err error) {
	w.logger.LogString(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// StartLogdy starts the embedded Logdy web UI and returns a writer to tee worker logs into, plus the UI URL
func StartLogdy(cfg *config.Config) (io.Writer, string, error) {
	portStr := strconv.Itoa(cfg.LogdyPort)
	ld := logdy.InitializeLogdy(logdy.Config{
		ServerIp:   cfg.LogdyHost,
		ServerPort: portStr,
	}, nil)

	if ld == nil {
		return nil, "", fmt.Errorf("logdy failed to start on %s:%s", cfg.LogdyHost, portStr)
	}

	url := fmt.Sprintf("http://%s:%s", cfg.LogdyHost, portStr)
	return &logdyWriter{logger: ld}, url, nil
}

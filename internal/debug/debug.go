// Package debug holds the optional operator tooling: the pprof listener and
// the packet dump written to stdout when packet logging is enabled.
package debug

import (
	"bufio"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/sirupsen/logrus"
)

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(logger *logrus.Logger, pprofPort int) {
	startPprofServer(logger, pprofPort)
}

// startPprofServer starts the default pprof HTTP server that can be accessed
// via localhost to get runtime information about the server.
// See https://golang.org/pkg/net/http/pprof/
func startPprofServer(logger *logrus.Logger, pprofPort int) {
	listenerAddr := fmt.Sprintf("localhost:%d", pprofPort)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

// PrintPacketParams carries everything PrintPacket needs to dump one packet.
type PrintPacketParams struct {
	Writer       *bufio.Writer
	ServerName   string
	ClientPacket bool
	Data         []byte
}

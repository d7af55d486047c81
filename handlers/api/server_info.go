package api

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type ServerInfoResponse struct {
	ServerIP string `json:"server_ip"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

var (
	hostname   = os.Hostname
	lookupHost = net.LookupHost
)

// HandleServerInfo reports the host name, its first IPv4 address and the
// port the server listens on, for clients on the local network.
func HandleServerInfo(listenAddr string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := serverInfo(listenAddr)
		if err != nil {
			logrus.WithError(err).Warn("Could not get server info")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Error: "Could not get server info: " + err.Error()})
			return
		}
		render.JSON(w, r, info)
	}
}

func serverInfo(listenAddr string) (ServerInfoResponse, error) {
	_, portText, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return ServerInfoResponse{}, fmt.Errorf("parse listen address: %w", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return ServerInfoResponse{}, fmt.Errorf("parse port %q: %w", portText, err)
	}

	host, err := hostname()
	if err != nil {
		return ServerInfoResponse{}, err
	}
	addrs, err := lookupHost(host)
	if err != nil {
		return ServerInfoResponse{}, err
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return ServerInfoResponse{ServerIP: addr, Hostname: host, Port: port}, nil
		}
	}
	return ServerInfoResponse{}, fmt.Errorf("no IPv4 address for %s", host)
}

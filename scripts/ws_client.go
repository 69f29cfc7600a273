// Package main runs a demo WebSocket client for vehicle events.
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	VehicleID string         `json:"vehicleId"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	vehicle := ""
	if len(os.Args) > 1 {
		vehicle = os.Args[1]
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/events/ws"}
	if vehicle != "" {
		u.RawQuery = url.Values{"vehicle": {vehicle}}.Encode()
	}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var e event
			if err := c.ReadJSON(&e); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s %s %v", e.Type, e.VehicleID, e.Data)
		}
	}()

	// Trigger events: a sync for one vehicle, or a fleet sweep
	time.Sleep(500 * time.Millisecond)
	path := "/v1/sweep"
	if vehicle != "" {
		path = "/v1/vehicles/" + url.PathEscape(vehicle) + "/sync"
	}
	resp, err := http.Post(base+path, "application/json", nil)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("POST %s: %s", path, resp.Status)

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}

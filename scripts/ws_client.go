// Package main runs a demo WebSocket client for fleet events.
//
// It seeds a hub, a truck and a few deliveries, allocates routes, then
// subscribes to the live event stream and reports a truck position to
// trigger a proximity scan.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func post(base, path string, body []byte) (*http.Response, error) {
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Company-Id", "co_demo")
	req.Header.Set("X-Role", "admin")
	return http.DefaultClient.Do(req)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Seed a hub, a truck and deliveries around Mumbai.
	hubBody := []byte(`{"id":"hub_demo","name":"Mumbai Central","center":{"lat":19.0760,"lng":72.8777}}`)
	if resp, err := post(base, "/v1/hubs", hubBody); err != nil {
		log.Fatal(err)
	} else {
		_ = resp.Body.Close()
	}
	truckBody := []byte(`{"id":"trk_demo","name":"Demo Truck","capacityWeightKg":1000,"capacityVolumeM3":12,"driverId":"drv_demo"}`)
	if resp, err := post(base, "/v1/trucks", truckBody); err != nil {
		log.Fatal(err)
	} else {
		_ = resp.Body.Close()
	}
	delivBody := []byte(`{"deliveries":[
		{"location":{"lat":19.0900,"lng":72.8900},"weightKg":10,"volumeM3":0.1},
		{"location":{"lat":19.1000,"lng":72.8600},"weightKg":10,"volumeM3":0.1},
		{"location":{"lat":19.0600,"lng":72.9000},"weightKg":10,"volumeM3":0.1}
	]}`)
	if resp, err := post(base, "/v1/deliveries", delivBody); err != nil {
		log.Fatal(err)
	} else {
		_ = resp.Body.Close()
	}

	// Allocate tours from the hub.
	allocBody := []byte(`{"hubId":"hub_demo","algorithm":"sector"}`)
	resp, err := post(base, "/v1/routes/allocate", allocBody)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var allocResp struct {
		Routes []struct {
			ID string `json:"id"`
		} `json:"routes"`
		TotalKm float64 `json:"totalKm"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&allocResp); err != nil {
		log.Fatal(err)
	}
	if len(allocResp.Routes) == 0 {
		log.Fatal("no routes returned")
	}
	log.Printf("Allocated %d route(s), %.2f km total", len(allocResp.Routes), allocResp.TotalKm)

	// Connect the event WebSocket.
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws/events"}
	hdr := http.Header{}
	hdr.Set("X-Company-Id", "co_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]any{"events": ""})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Report a position to trigger a proximity scan.
	time.Sleep(500 * time.Millisecond)
	locBody := []byte(`{"truckId":"trk_demo","lat":19.0770,"lng":72.8780}`)
	if resp, err := post(base, "/v1/trucks/location", locBody); err == nil {
		_ = resp.Body.Close()
	}

	// Wait briefly to receive a few messages.
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}

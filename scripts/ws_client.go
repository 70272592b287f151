// Package main runs a demo WebSocket client that watches a driver's offers.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
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
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	driverID := flag.String("driver", "d1", "driver to watch")
	jobID := flag.String("job", "", "optimize this job after connecting")
	flag.Parse()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/drivers/" + *driverID + "/offers/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "default")
	hdr.Set("X-Role", "driver")
	hdr.Set("X-Driver-Id", *driverID)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

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

	if *jobID != "" {
		time.Sleep(200 * time.Millisecond)
		body := []byte(`{"objectives":["minimize_cost"]}`)
		req, _ := http.NewRequest(http.MethodPost, base+"/v1/jobs/"+*jobID+"/optimize", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-Id", "default")
		req.Header.Set("X-Role", "dispatcher")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("optimize %s: %s", *jobID, resp.Status)
		_ = resp.Body.Close()
	}

	select {
	case <-time.After(5 * time.Second):
	case <-done:
	}
}

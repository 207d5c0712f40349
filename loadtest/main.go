package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nbcon-chat/internal/logger"
	myMiddleware "nbcon-chat/internal/middleware"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "chat host base URL")
	jobs     = flag.Int("jobs", 200, "number of job rooms (one client and one engineer each)")
	msgCount = flag.Int("messages", 20, "messages per participant")
	settle   = flag.Duration("settle", 5*time.Second, "time to keep streams open after the last send")
)

type counters struct {
	sent      atomic.Int64
	rejected  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func main() {
	flag.Parse()
	log := logger.New(logger.Config{Level: "info", Pretty: true})

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("❌ JWT_SECRET is not set")
	}
	issuer := myMiddleware.NewJWTValidator(secret)

	log.Info().Int("rooms", *jobs).Int("messages", *msgCount).Msg("🔥 STARTING STRESS TEST")
	start := time.Now()

	var (
		wg sync.WaitGroup
		c  counters
	)
	for i := 0; i < *jobs; i++ {
		wg.Add(1)
		go func(job int) {
			defer wg.Done()
			runJob(log, issuer, job, &c)
		}(i)
	}
	wg.Wait()

	log.Info().
		Int64("sent", c.sent.Load()).
		Int64("rejected", c.rejected.Load()).
		Int64("delivered_events", c.delivered.Load()).
		Int64("failed_events", c.failed.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("✅ LOAD TEST COMPLETE")
}

func runJob(log zerolog.Logger, issuer *myMiddleware.JWTValidator, job int, c *counters) {
	client := myMiddleware.Identity{UserID: fmt.Sprintf("c_%d", job), Name: fmt.Sprintf("Client %d", job), Role: "client"}
	engineer := myMiddleware.Identity{UserID: fmt.Sprintf("e_%d", job), Name: fmt.Sprintf("Engineer %d", job), Role: "engineer"}

	tokenC, err := issuer.IssueToken(client, time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("issuing token")
		return
	}
	tokenE, _ := issuer.IssueToken(engineer, time.Hour)

	roomID := createRoom(log, tokenC, job, client, engineer)
	if roomID == "" {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go chatter(log, &wg, tokenC, roomID, client.UserID, c)
	go chatter(log, &wg, tokenE, roomID, engineer.UserID, c)
	wg.Wait()
}

func createRoom(log zerolog.Logger, token string, job int, client, engineer myMiddleware.Identity) string {
	body := map[string]string{
		"job_id":        fmt.Sprintf("load_%d", job),
		"job_title":     fmt.Sprintf("Load job %d", job),
		"client_id":     client.UserID,
		"client_name":   client.Name,
		"engineer_id":   engineer.UserID,
		"engineer_name": engineer.Name,
	}
	resp, err := postJSON(token, "/api/rooms", body)
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Error().Err(err).Int("job", job).Msg("❌ Create room failed")
		return ""
	}
	defer resp.Body.Close()

	var room struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&room)
	return room.ID
}

// chatter opens the event stream, sends msgCount messages and counts the
// delivery events it sees for the room.
func chatter(log zerolog.Logger, wg *sync.WaitGroup, token, roomID, user string, c *counters) {
	defer wg.Done()

	wsURL := strings.Replace(*baseURL, "http", "ws", 1) + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Error().Err(err).Str("user", user).Msg("❌ WS Connect Fail")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var e struct {
				Type    string `json:"type"`
				RoomID  string `json:"room_id"`
				Message *struct {
					Status string `json:"status"`
				} `json:"message"`
			}
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			if e.RoomID != roomID {
				continue
			}
			switch {
			case e.Type == "messageDelivered" && e.Message != nil && e.Message.Status == "delivered":
				c.delivered.Add(1)
			case e.Type == "messageFailed":
				c.failed.Add(1)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		resp, err := postJSON(token, "/api/rooms/"+roomID+"/messages", map[string]string{
			"content": fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		})
		if err != nil || resp.StatusCode != http.StatusAccepted {
			c.rejected.Add(1)
		} else {
			c.sent.Add(1)
		}
		if resp != nil {
			resp.Body.Close()
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real typing)
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(*settle)
	conn.Close()
	<-done
}

func postJSON(token, endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

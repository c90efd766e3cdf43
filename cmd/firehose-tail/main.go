// firehose-tail connects to a relay's subscribeRepos endpoint and logs each
// decoded frame header as it arrives. It is a debugging aid, not a
// production consumer: it does not persist a cursor between runs.
//
// Usage:
//
//	firehose-tail -addr ws://localhost:3000 -cursor 0
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	indigoevents "github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "ws://localhost:3000", "relay base address (ws:// or wss://)")
	cursor := flag.Int64("cursor", -1, "cursor to resume from (-1 means subscribe from now)")
	flag.Parse()

	u, err := url.Parse(*addr)
	if err != nil {
		log.Fatalf("bad addr: %v", err)
	}
	u.Path = "/xrpc/com.atproto.sync.subscribeRepos"
	q := u.Query()
	if *cursor >= 0 {
		q.Set("cursor", fmt.Sprintf("%d", *cursor))
	}
	u.RawQuery = q.Encode()

	log.Printf("connecting to %s", u.String())
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
		os.Exit(0)
	}()

	var total int64
	start := time.Now()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Fatalf("read failed after %d frames: %v", total, err)
		}
		total++

		var header indigoevents.EventHeader
		if err := header.UnmarshalCBOR(bytes.NewReader(data)); err != nil {
			log.Printf("#%d: malformed header: %v", total, err)
			continue
		}
		log.Printf("#%d kind=%s bytes=%d elapsed=%s", total, header.MsgType, len(data), time.Since(start).Truncate(time.Second))
	}
}

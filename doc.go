// Package hume provides a Go client for the Hume AI voice APIs.
//
// The package has two halves that share one credential. The request executor
// performs typed REST calls with retry, backoff, Retry-After handling and
// bearer token refresh. Sessions are duplex sockets that carry JSON control
// messages and audio, with an explicit lifecycle and bounded queues in both
// directions.
//
// Key Features:
//   - Static API keys or refreshable bearer tokens (client credentials flow)
//   - Retry with exponential backoff and an optional circuit breaker
//   - Cursor and page-number pagination as Go iterators
//   - Sessions over nhooyr.io/websocket, gorilla/websocket or a WebRTC data channel
//   - Streaming synthesis into an io.Reader with end-to-end backpressure
//   - Typed text-to-speech and chat endpoints
//   - Expression measurement over a stream or as batch jobs
//   - Stored EVI configs, prompts, tools and custom voices
//
// Basic Usage:
//
//	client, err := hume.NewClient(hume.Config{
//		Credential: hume.StaticKey(os.Getenv("HUME_API_KEY")),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	req := hume.TTSStreamRequest{Text: "Hello there", Voice: &hume.VoiceSpec{Name: "Ava Song"}}
//	stream, err := client.TTS().StreamJSON(ctx, req)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer stream.Close()
//	_, err = io.Copy(speaker, stream)
//
// Sessions move through Connecting, Open, Closing and Closed, or end in
// Failed. The context given to Connect governs the whole session. Send
// returns once a message is queued; write failures afterwards move the
// session to Failed and are reported by CloseReason. Sessions are never
// reconnected.
//
// Errors follow one taxonomy across HTTP and sockets. Match categories with
// errors.Is against the Err* sentinels and inspect details with errors.As.
package hume

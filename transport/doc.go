// Package transport moves file chunks over TCP as newline-delimited JSON.
//
// # Wire Format
//
// Every message is one UTF-8 JSON object followed by a single '\n'. The
// sender writes chunk messages:
//
//	{"sessionId":"…","index":0,"data":"<base64>","iv":"…","hash":"…",
//	 "fileName":"report.pdf","mimeType":"application/pdf","totalChunks":3}
//
// The last data chunk carries "isLastChunk":true and a trailing
// metadata-only message carries "isCompletionMessage":true. The receiver
// answers each stored chunk with {"type":"ack","sessionId":"…","index":N}.
// An idle sender writes {"type":"ping"}.
//
// # Framing
//
// LineBuffer turns arbitrary TCP segments back into whole lines, so a
// message may arrive split across reads or several may arrive in one. Lines
// are trimmed, empty lines are skipped and a malformed line is reported as
// a ParseError without affecting the rest of the stream.
//
// # Server
//
// Server accepts any number of concurrent senders. Each connection gets an
// auto-incremented client id, a line buffer and an ack writer. Stored
// chunks are handed to a ChunkProcessor:
//
//	srv := transport.NewServer(reassembler, transport.ServerOptions{Port: 12345})
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop()
//
// # Sender
//
// Sender connects with exponential backoff, keeps at most MaxInFlight
// chunks outstanding, retries failed writes over a fresh connection and
// pings the receiver while idle:
//
//	s := transport.NewSender(transport.SenderOptions{MaxInFlight: 3})
//	if err := s.Connect(ctx, "127.0.0.1", 12345); err != nil {
//		return err // errors.Is(err, transport.ErrConnectionFailed)
//	}
//	defer s.Close()
//	res, err := s.SendFile(ctx, store, "report.pdf", transport.SendFileOptions{WaitForAcks: true})
package transport

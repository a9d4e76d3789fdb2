// Package relaymesh is the bot-side client for a relaymesh hub.
//
// A bot onboards once with a one-time token, then authenticates each
// connection with a zero-trust handshake and exchanges messages over
// the session loop:
//
//	bot := relaymesh.New("wss://hub.example.com/v1/session", "bot-001",
//		relaymesh.WithDeviceFingerprint("fp-7731"),
//	)
//	if err := bot.Connect(ctx); err != nil { ... }
//	defer bot.Close()
//
//	apiKey, err := bot.Onboard(ctx, oneTimeToken)
//	...
//	if err := bot.Handshake(ctx); err != nil { ... }
//	resp, err := bot.Send(ctx, msg)
//
// The client answers reconnection challenges automatically: each
// successful handshake stores the challenge the hub expects next time.
package relaymesh

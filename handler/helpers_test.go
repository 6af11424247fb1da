package handler

import "github.com/moriyoshi/mailplug/types"

func testSession() types.Session {
	return types.Session{
		ID:       "7c1f2c36-9d0a-4e53-a9dd-3a8b869eb0e2",
		Peer:     types.Peer{Host: "127.0.0.1", Port: 2500},
		HeloName: "client.example.com",
	}
}

func testEnvelope(content types.Content) types.Envelope {
	return types.NewEnvelope(
		types.NewAddress("a@example.com"),
		[]types.Address{
			types.NewAddress("b@example.com"),
			types.NewAddress("c@example.com"),
		},
		content,
	)
}

// Command peeridkey generates a fresh libp2p Ed25519 identity and
// prints its peer ID and private key, for seeding a validator's network
// identity file.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func main() {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive peer id: %v\n", err)
		os.Exit(1)
	}

	keyBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("PeerId: %s\n", id.String())
	fmt.Printf("PeerKey: %s\n", hex.EncodeToString(keyBytes))
}

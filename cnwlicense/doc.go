// Package cnwlicense issues, verifies, revokes and meters CNW license keys.
//
// Install with:
//
//	go get github.com/CloudNativeWorks/cnw-license-engine/cnwlicense
//
// The package has three parts:
//
//   - Engine, the server-side core: license lifecycle, activation admission
//     control and usage metering over a store.Store, plus signed export
//   - OnlineClient, a client for the license server HTTP API
//   - OfflineValidator, for air-gapped verification of key-pair signed payloads
//
// # Engine
//
//	st := store.NewMemoryStore()
//	eng, err := cnwlicense.NewEngine(st, cnwlicense.Config{
//	    EncryptionKey: key,    // 32 bytes, AES-256-GCM license files
//	    SigningSecret: secret, // HMAC-SHA256 "sig"
//	})
//	lic, err := eng.Issue(ctx, cnwlicense.IssueRequest{...})
//	_, err = eng.Activate(ctx, lic.Key, "node-1")
//	_, err = eng.TrackUsage(ctx, lic.Key, "requests", 1)
//
// Activation and metering are check-then-act sequences. Each runs inside
// store.Store.Atomically, so concurrent callers on the same key never push a
// license past max_activations or a metric past its limit.
//
// # License files
//
// A license file is the HMAC-signed payload sealed as
// base64(nonce ‖ tag ‖ ciphertext) under AES-256-GCM. Signatures cover the
// canonical JSON form of the payload with the sig and signature fields
// removed; see Canonicalize.
//
// # Online
//
//	client := cnwlicense.NewOnlineClient("https://license.example.com", "your-api-key")
//	res, err := client.Verify(ctx, "CNW-XXXX-YYYY-ZZZZ")
//
// # Offline (Air-gapped)
//
//	v := cnwlicense.NewOfflineValidator(cnwlicense.WithTrustedPublicKey(pubKeyBase64))
//	payload, err := v.VerifyFile("/etc/myapp/license.json")
package cnwlicense

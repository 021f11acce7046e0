// Package client is the trusted capture Go SDK.
//
// It covers the three things a capture app or a verifier needs: sealing
// content into the ledger, verifying content that someone hands you, and
// managing the evidence history of an account.
//
// # Sealing a capture
//
//	c, err := client.New("https://capture.example.com",
//	    client.WithTokenFile(client.DefaultTokenPath()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	f, _ := os.Open("clip.mp4")
//	res, err := c.Seal(ctx, f, client.SealOptions{
//	    FileName:  "clip.mp4",
//	    AttemptID: uuid.NewString(),
//	})
//	if errors.Is(err, client.ErrAlreadySealed) {
//	    // someone sealed these exact bytes first
//	}
//
// Seal returns as soon as the ledger commits. Analysis continues on the
// server; follow it with CaptureStatus or WaitCapture. Reusing AttemptID
// when retrying a failed upload returns the original receipt with Replayed
// set instead of a duplicate error.
//
// # Verifying content
//
// Verify hashes locally and only asks the service for the public record:
//
//	v, err := c.Verify(ctx, f, "sha256:9f86d081...")
//	if v.Verified() {
//	    fmt.Println("sealed by", v.Record.Creator, "at", v.Record.SealedAt)
//	}
//
// VerifyRemote uploads the bytes to the service instead. Add WithCacheTTL to
// avoid repeated lookups of the same record.
//
// # Evidence lifecycle
//
//	items, _ := c.ListEvidence(ctx, "active")
//	c.SoftDelete(ctx, items[0].ID) // to the recycle bin
//	c.Restore(ctx, items[0].ID)    // back to active
//	c.SoftDelete(ctx, items[0].ID)
//	c.Destroy(ctx, items[0].ID)    // payload purged, ledger record kept
//
// Actions invalid in the item's current state fail with ErrConflict.
package client

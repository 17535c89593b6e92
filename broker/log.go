package broker

import "log"

// dropError is a lightweight diagnostic logger used on all non-hot
// paths (setup, protocol errors, teardown).
//
// Behavior:
//   - If err != nil, prints: "<prefix>: <error>"
//   - If err == nil, prints: "<prefix>"
//
// It is intentionally unformatted and minimal — avoid extending.
func dropError(prefix string, err error) {
	if err != nil {
		log.Printf("%s: %v", prefix, err)
	} else {
		log.Print(prefix)
	}
}

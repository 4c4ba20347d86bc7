// Package mount reconciles NFS mount records from the controller against
// systemd mount units on the local node.
package mount

// NfsMount is one remote export the controller wants mounted locally.
type NfsMount struct {
	// Remote is "host:/export", exactly as the controller sent it.
	Remote string

	// Local is the absolute local mount point.
	Local string
}

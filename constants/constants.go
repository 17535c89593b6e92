// ─────────────────────────────────────────────────────────────────────────────
// constants.go — Broker-wide tunables and wire-format limits
//
// Every value here must be compile-time resolvable; no runtime logic.
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Shared memory ────────────────────────────────

const (
	// ChunkHeaderSize is the fixed prefix carried by every chunk. The
	// payload begins at this offset; configured chunk sizes include it.
	ChunkHeaderSize = 64

	// MaxSegments bounds the number of shared-memory segments a single
	// broker instance manages. Segment ids occupy the top 16 bits of a
	// packed chunk reference, but the directory is kept small on purpose.
	MaxSegments = 64

	// MaxSegmentNameLen is NAME_MAX on the shm filesystem, including the
	// mandatory leading slash.
	MaxSegmentNameLen = 255
)

// ─────────────────────────────── Ports ──────────────────────────────────────

const (
	// MaxIdentifierLen bounds each component of a service id triple.
	MaxIdentifierLen = 64

	// MaxPortLinks is the fan-out width of a single port: the number of
	// delivery queues a publisher can feed, and equally the number of
	// per-publisher queues a subscriber can drain.
	MaxPortLinks = 16

	// MaxHistoryCapacity bounds the late-joiner replay ring of a
	// publisher port.
	MaxHistoryCapacity = 16

	// MaxInFlightChunks bounds the loaned-but-unpublished (publisher) or
	// taken-but-unreleased (subscriber) chunk set tracked per port for
	// crash cleanup.
	MaxInFlightChunks = 16

	// PortSlotSize is the size of one port descriptor slot in the
	// management segment's port table.
	PortSlotSize = 512

	// DefaultPortCapacity is the number of descriptor slots reserved in
	// the management segment when the config does not say otherwise.
	DefaultPortCapacity = 256

	// DefaultQueueCapacity is the delivery-queue depth used when a
	// subscriber does not request one. Must be a power of two.
	DefaultQueueCapacity = 256

	// DefaultQueueArenaSize is the management-segment region reserved
	// for delivery queues.
	DefaultQueueArenaSize = 1 << 20
)

// ─────────────────────────── Control channel ────────────────────────────────

const (
	// BrokerChannelName is the well-known datagram endpoint the broker
	// listens on inside the runtime directory.
	BrokerChannelName = "shmbus-broker"

	// MaxDatagramSize bounds a single control message. Registration
	// replies carry the full segment map and are the largest frames.
	MaxDatagramSize = 4096

	// DefaultRuntimeDir hosts the control sockets.
	DefaultRuntimeDir = "/tmp/shmbus"
)

// ───────────────────────────── Supervision ──────────────────────────────────

const (
	// DefaultMonitoringIntervalMs is the registry sweep period.
	DefaultMonitoringIntervalMs = 500

	// DefaultKeepaliveTimeoutMs is the liveness deadline for monitored
	// clients. A live but idle client must send a keepalive within half
	// this interval.
	DefaultKeepaliveTimeoutMs = 5000
)

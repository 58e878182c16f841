package proto

const (
	// MdnsTag is the mDNS service tag peers use to find each other on the LAN.
	MdnsTag = "goopcall-mdns"

	// CallTopicPrefix scopes signaling to one conversation: "call:" + conversationID.
	CallTopicPrefix = "call:"

	// RelaySignalPath is the HTTP relay route, followed by "/{conversation}".
	RelaySignalPath = "/signal"
)

// Default STUN servers used when the config does not name any.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

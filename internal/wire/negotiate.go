package wire

// Negotiate returns the highest protocol version present in both hostVersions
// and workerVersions, and true if one exists. Used by a worker implementation
// to decide its HandshakeAck in response to a Handshake's
// supported_protocol_versions (falling back to protocol_version alone when
// that list is empty, per the wire format's default-filled semantics).
func Negotiate(hostVersions []uint32, workerVersions []uint32) (uint32, bool) {
	workerSet := make(map[uint32]struct{}, len(workerVersions))
	for _, v := range workerVersions {
		workerSet[v] = struct{}{}
	}

	var best uint32
	found := false
	for _, v := range hostVersions {
		if _, ok := workerSet[v]; ok {
			if !found || v > best {
				best = v
				found = true
			}
		}
	}
	return best, found
}

// EffectiveSupportedVersions returns m's SupportedProtocolVersions, or a
// single-element slice containing ProtocolVersion if the list was omitted —
// the wire format's documented default ("only the one value in
// protocol_version").
func (m Message) EffectiveSupportedVersions() []uint32 {
	if len(m.SupportedProtocolVersions) > 0 {
		return m.SupportedProtocolVersions
	}
	return []uint32{m.ProtocolVersion}
}

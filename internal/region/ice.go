package region

import "github.com/pion/webrtc/v4"

const baseSTUN = "stun:stun.l.google.com:19302"

// secondarySTUN spreads regions across Google's public STUN pool.
var secondarySTUN = map[Region]string{
	NorthAmerica: "stun:stun1.l.google.com:19302",
	SouthAmerica: "stun:stun1.l.google.com:19302",
	Europe:       "stun:stun2.l.google.com:19302",
	Asia:         "stun:stun3.l.google.com:19302",
	Africa:       "stun:stun4.l.google.com:19302",
	Oceania:      "stun:stun1.l.google.com:19302",
	Any:          "stun:stun1.l.google.com:19302",
}

// ICEServers returns the STUN servers a client in region r should gather
// candidates against. Unknown regions get the Any list.
func ICEServers(r Region) []webrtc.ICEServer {
	second, ok := secondarySTUN[r]
	if !ok {
		second = secondarySTUN[Any]
	}
	return []webrtc.ICEServer{
		{URLs: []string{baseSTUN}},
		{URLs: []string{second}},
	}
}

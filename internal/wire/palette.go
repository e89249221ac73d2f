package wire

// palette holds the presence colors cycled across client ids.
var palette = [...]string{
	"#F24E1E",
	"#A259FF",
	"#1ABCFE",
	"#0ACF83",
	"#FF7262",
	"#FFC700",
	"#00C2FF",
	"#C7B9FF",
}

// ColorForClient maps a client id to its presence color. The mapping is
// deterministic so every peer renders the same color for the same client.
func ColorForClient(clientID uint32) string {
	return palette[clientID%uint32(len(palette))]
}

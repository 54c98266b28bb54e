package trickle

func init() {
	// console is a debugging format with no file output; the format gate
	// refuses it.
	RegisterFormat(Format{
		Name:                   "console",
		SupportsStreamingWrite: false,
	})
}

package protocol

const (
	libName = "JSONgle"
	version = "2.6.1"
)

func LibName() string { return libName }

func Version() string { return version }

package types

// LogRecord is the unit read from a log: a position plus either user data
// or a trim gap.
type LogRecord struct {
	Offset Lsn
	Record Record
}

// Record is either Data or TrimGap.
type Record interface {
	isRecord()
}

// Data carries a payload read back from the log.
type Data struct {
	Payload Payload
}

// TrimGap tells a reader that everything up to and including Until has
// been trimmed away. The next readable position is Until+1.
type TrimGap struct {
	Until Lsn
}

func (Data) isRecord()    {}
func (TrimGap) isRecord() {}

package shm

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// RegionState is a snapshot of a region's trailer.
type RegionState struct {
	Path             string
	Capacity         int
	MaxMsgLength     int
	ProducerPosition uint64
	ConsumerPosition uint64
	Size             int
}

func (s RegionState) String() string {
	return fmt.Sprintf("path:%s cap:%d(%s) maxMsg:%d head:%d tail:%d size:%d",
		s.Path, s.Capacity, humanize.IBytes(uint64(s.Capacity)), s.MaxMsgLength,
		s.ConsumerPosition, s.ProducerPosition, s.Size)
}

// ReadRegionState reads the region file at path without mapping it.
func ReadRegionState(path string) (RegionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RegionState{}, err
	}
	region := internalshm.AllocAligned(len(data))
	internalshm.CopyBytes(data, 0, region, 0, len(data))
	ch, err := NewChannel(region)
	if err != nil {
		return RegionState{}, fmt.Errorf("%s is not a channel region: %w", path, err)
	}
	return RegionState{
		Path:             path,
		Capacity:         ch.Capacity(),
		MaxMsgLength:     ch.MaxMsgLength(),
		ProducerPosition: ch.ProducerPosition(),
		ConsumerPosition: ch.ConsumerPosition(),
		Size:             ch.Size(),
	}, nil
}

// DebugRegionDetail prints the trailer state of the region mapped at path.
func DebugRegionDetail(path string) {
	state, err := ReadRegionState(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(state)
}

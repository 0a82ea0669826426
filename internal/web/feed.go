package web

import (
	"net/http"
	"strings"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"bustracker/internal/store"
)

const gtfsRealtimeVersion = "2.0"

// buildVehicleFeed converts bus records into a full-dataset GTFS-Realtime
// feed. Records without a position are skipped.
func buildVehicleFeed(buses []store.Bus, now time.Time) *gtfs.FeedMessage {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: make([]*gtfs.FeedEntity, 0, len(buses)),
	}
	for _, b := range buses {
		if b.Lat == nil || b.Lon == nil {
			continue
		}
		vp := &gtfs.VehiclePosition{
			Vehicle: &gtfs.VehicleDescriptor{
				Id: proto.String(b.ID),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(float32(*b.Lat)),
				Longitude: proto.Float32(float32(*b.Lon)),
			},
		}
		if b.Name != "" {
			vp.Vehicle.Label = proto.String(b.Name)
		}
		if b.UpdatedAt != nil {
			vp.Timestamp = proto.Uint64(uint64(b.UpdatedAt.Unix()))
		}
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{
			Id:      proto.String(b.ID),
			Vehicle: vp,
		})
	}
	return feed
}

func vehiclePositionsHandler(tracker Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		buses, err := tracker.Buses(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		feed := buildVehicleFeed(buses, time.Now().UTC())

		if strings.EqualFold(r.URL.Query().Get("format"), "json") {
			b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(feed)
			if err != nil {
				http.Error(w, "marshal failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n"))
			return
		}

		b, err := proto.Marshal(feed)
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(b)
	})
}

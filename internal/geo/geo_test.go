package geo

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Point
		want    float64
		epsilon float64
	}{
		{
			name:    "same point",
			a:       Point{Lat: 14.869456, Lon: 120.801326},
			b:       Point{Lat: 14.869456, Lon: 120.801326},
			want:    0,
			epsilon: 1e-9,
		},
		{
			name:    "adjacent slots",
			a:       Point{Lat: 14.869456, Lon: 120.801326},
			b:       Point{Lat: 14.869445, Lon: 120.801343},
			want:    2.19,
			epsilon: 0.05,
		},
		{
			name:    "one degree of latitude",
			a:       Point{Lat: 0, Lon: 0},
			b:       Point{Lat: 1, Lon: 0},
			want:    111194.9,
			epsilon: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.epsilon {
				t.Errorf("Distance() = %.3f, want %.3f (±%.3f)", got, tt.want, tt.epsilon)
			}
			if back := Distance(tt.b, tt.a); math.Abs(back-got) > 1e-9 {
				t.Errorf("Distance not symmetric: %.6f vs %.6f", got, back)
			}
		})
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	origin := Point{Lat: 14.869456, Lon: 120.801326}

	for _, meters := range []float64{0.5, 2, 3, 10} {
		p := Offset(origin, 0, meters)
		if d := Distance(origin, p); math.Abs(d-meters) > 0.01 {
			t.Errorf("east offset %.1fm measured %.4fm", meters, d)
		}
		p = Offset(origin, meters, 0)
		if d := Distance(origin, p); math.Abs(d-meters) > 0.01 {
			t.Errorf("north offset %.1fm measured %.4fm", meters, d)
		}
	}
}

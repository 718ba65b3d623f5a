package engine

import "strings"

// Route is what the engine does with a stream event.
type Route int

const (
	RouteNone       Route = iota
	RouteAttendance       // classify, dedup, present, bump
	RouteCounter          // counter hint: quick refresh
	RoutePush             // server push notification: desktop alert
	RouteRefresh          // dashboard refresh: authoritative overwrite
	RouteLate             // late arrival: warning alert
	RouteStatus           // monitoring status: watchdog
)

func (r Route) String() string {
	switch r {
	case RouteAttendance:
		return "attendance"
	case RouteCounter:
		return "counter"
	case RoutePush:
		return "push"
	case RouteRefresh:
		return "refresh"
	case RouteLate:
		return "late"
	case RouteStatus:
		return "status"
	default:
		return "none"
	}
}

// Routes lists the server event names for each route.
type Routes struct {
	Attendance []string
	Counter    []string
	Push       []string
	Refresh    []string
	Late       []string
	Status     []string
}

// DefaultRoutes are the event names the attendance server emits.
func DefaultRoutes() Routes {
	return Routes{
		Attendance: []string{"instant_notification", "new_record", "attendance_record", "attendance_update"},
		Counter:    []string{"quick_update", "counter_update"},
		Push:       []string{"push_notification"},
		Refresh:    []string{"dashboard_refresh", "dashboard_update"},
		Late:       []string{"late_arrival_alert"},
		Status:     []string{"connection_status"},
	}
}

// withDefaults fills empty lists from DefaultRoutes.
func (r Routes) withDefaults() Routes {
	def := DefaultRoutes()
	pick := func(v, d []string) []string {
		if len(v) == 0 {
			return d
		}
		return v
	}
	return Routes{
		Attendance: pick(r.Attendance, def.Attendance),
		Counter:    pick(r.Counter, def.Counter),
		Push:       pick(r.Push, def.Push),
		Refresh:    pick(r.Refresh, def.Refresh),
		Late:       pick(r.Late, def.Late),
		Status:     pick(r.Status, def.Status),
	}
}

// table builds the lookup map. A name listed twice keeps its first route in
// the order attendance, counter, push, refresh, late, status.
func (r Routes) table() map[string]Route {
	r = r.withDefaults()
	out := map[string]Route{}
	add := func(names []string, route Route) {
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			if _, ok := out[n]; !ok {
				out[n] = route
			}
		}
	}
	add(r.Attendance, RouteAttendance)
	add(r.Counter, RouteCounter)
	add(r.Push, RoutePush)
	add(r.Refresh, RouteRefresh)
	add(r.Late, RouteLate)
	add(r.Status, RouteStatus)
	return out
}

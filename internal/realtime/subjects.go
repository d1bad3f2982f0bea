package realtime

import "fmt"

// Subject layout of the backend contract:
//
//	change.<table>.<column>.<value>  row change feeds, one subject per
//	                                 indexed filter column
//	change.<table>.all               unfiltered change feed
//	room.<room>.<event>              ephemeral room broadcasts
//	rpc.<proc>                       request/reply procedures
//	query.<table>                    request/reply bulk reads

// ChangeSubject returns the subject for a filtered change feed.
func ChangeSubject(table string, f Filter) string {
	if f.Column == "" {
		return fmt.Sprintf("change.%s.all", table)
	}
	return fmt.Sprintf("change.%s.%s.%s", table, f.Column, f.Value)
}

// RoomSubject returns the subject for a room broadcast event.
func RoomSubject(room, event string) string {
	return fmt.Sprintf("room.%s.%s", room, event)
}

// CallSubject returns the subject for an RPC procedure.
func CallSubject(proc string) string {
	return fmt.Sprintf("rpc.%s", proc)
}

// QuerySubject returns the subject for a bulk-read request.
func QuerySubject(table string) string {
	return fmt.Sprintf("query.%s", table)
}

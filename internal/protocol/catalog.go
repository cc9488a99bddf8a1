package protocol

import "sort"

// MessageDoc describes one frame type exchanged over the room socket.
type MessageDoc struct {
	Type        string   `json:"type"`
	Direction   string   `json:"direction"`
	Description string   `json:"description"`
	Fields      []string `json:"fields,omitempty"`
	Example     string   `json:"example"`
}

var catalog = []MessageDoc{
	{
		Type:        TypeMove,
		Direction:   "client_to_server",
		Description: "Sets the sender's paddle centre. y is clamped to the board height; viewers' moves are ignored.",
		Fields:      []string{"y"},
		Example:     `{"type":"move","y":180}`,
	},
	{
		Type:        TypeJoined,
		Direction:   "server_to_client",
		Description: "Acknowledges a join with the claimed seat, or role viewer for spectators.",
		Fields:      []string{"seat", "role"},
		Example:     `{"type":"joined","seat":"left"}`,
	},
	{
		Type:        TypeState,
		Direction:   "server_to_client",
		Description: "Full room snapshot, sent on every tick of a running match and after membership changes.",
		Fields:      []string{"payload"},
		Example:     `{"type":"state","payload":{"id":"PQWERT","players":{"left":null,"right":null},"viewers":[],"state":{"status":"waiting"}}}`,
	},
	{
		Type:        TypeError,
		Direction:   "server_to_client",
		Description: "Explains why a join was refused. The server closes the socket afterwards.",
		Fields:      []string{"reason"},
		Example:     `{"type":"error","reason":"Room not found"}`,
	},
}

// Catalog returns the frame documentation ordered by direction then type.
func Catalog() []MessageDoc {
	docs := append([]MessageDoc(nil), catalog...)
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Direction == docs[j].Direction {
			return docs[i].Type < docs[j].Type
		}
		return docs[i].Direction < docs[j].Direction
	})
	return docs
}

package realtime

// Hub owns the websocket clients, grouped into rooms keyed by playlist id,
// and fans feed messages out to the room they belong to.
type Hub struct {
	// rooms maps playlist id -> registered clients.
	rooms map[string]map[*Client]bool

	// Inbound messages from the redis feed, scoped to one room.
	broadcast chan RoomMessage

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client
}

// RoomMessage is one feed payload addressed to a playlist room.
type RoomMessage struct {
	Room string
	Data []byte
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan RoomMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			room := h.rooms[client.room]
			if room == nil {
				room = make(map[*Client]bool)
				h.rooms[client.room] = room
			}
			room[client] = true

		case client := <-h.unregister:
			if room, ok := h.rooms[client.room]; ok && room[client] {
				h.drop(client)
			}

		case msg := <-h.broadcast:
			for client := range h.rooms[msg.Room] {
				select {
				case client.send <- msg.Data:
				default:
					// Slow consumer; drop it rather than block the hub.
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	room := h.rooms[client.room]
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.room)
	}
	close(client.send)
	_ = client.conn.Close()
}

// Broadcast queues a message for every client in a room.
func (h *Hub) Broadcast(room string, data []byte) {
	h.broadcast <- RoomMessage{Room: room, Data: data}
}

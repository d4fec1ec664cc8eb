package main

import (
	"context"
	"errors"
	"strings"

	"chat-room-sync/internal/directory"
	"chat-room-sync/internal/session"
)

const help = `commands:
  /rooms          list rooms
  /join <room>    enter a room by name or id
  /create <name>  create a room and enter it
  /leave          leave the current room
  /who            list people in the room
  /quit           exit
anything else is sent to the current room`

type repl struct {
	con  *console
	ctrl *session.Controller
	dir  *directory.Client
}

func (r *repl) run(ctx context.Context, lines <-chan string) error {
	r.con.Printf("username: ")
	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = l
		}

		if r.ctrl.View().Phase == session.AwaitingIdentity {
			if !r.ctrl.SetIdentity(line) {
				r.con.Printf("username: ")
				continue
			}
			r.con.Println(help)
			r.listRooms(ctx)
			continue
		}

		if err := r.exec(ctx, strings.TrimSpace(line)); err != nil {
			return err
		}
	}
}

func (r *repl) exec(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if r.ctrl.View().Phase != session.InRoom {
			r.con.Println("join a room first (/join <room>)")
			return nil
		}
		if !r.ctrl.SendMessage(line) {
			r.con.Println("! message not sent")
		}
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		r.ctrl.Leave()
		return errQuit
	case "/rooms":
		r.listRooms(ctx)
	case "/join":
		r.join(ctx, arg)
	case "/create":
		r.create(ctx, arg)
	case "/leave":
		if !r.ctrl.Leave() {
			r.con.Println("not in a room")
		}
	case "/who":
		v := r.ctrl.View()
		if v.Phase != session.InRoom {
			r.con.Println("not in a room")
			return nil
		}
		r.con.Printf("%d online: %s\n", len(v.Users), strings.Join(v.Users, ", "))
	default:
		r.con.Println(help)
	}
	return nil
}

func (r *repl) listRooms(ctx context.Context) {
	rooms, err := r.dir.ListRooms(ctx)
	if err != nil {
		r.con.Printf("! %v\n", err)
		return
	}
	if len(rooms) == 0 {
		r.con.Println("no rooms yet, /create one")
		return
	}
	for _, room := range rooms {
		r.con.Printf("  %-20s by %-12s %s\n", room.Name, room.CreatedBy, room.ID)
	}
}

func (r *repl) join(ctx context.Context, ref string) {
	if ref == "" {
		r.con.Println("usage: /join <room>")
		return
	}
	rooms, err := r.dir.ListRooms(ctx)
	if err != nil {
		r.con.Printf("! %v\n", err)
		return
	}
	room, ok := directory.Find(rooms, ref)
	if !ok {
		r.con.Printf("no room %q\n", ref)
		return
	}
	r.ctrl.Leave()
	r.ctrl.SelectRoom(&room)
}

func (r *repl) create(ctx context.Context, name string) {
	room, err := r.dir.CreateRoom(ctx, name, r.ctrl.View().Identity)
	if errors.Is(err, directory.ErrEmptyName) {
		r.con.Println("usage: /create <name>")
		return
	}
	if err != nil {
		r.con.Printf("! %v\n", err)
		return
	}
	r.ctrl.Leave()
	r.ctrl.SelectRoom(&room)
}

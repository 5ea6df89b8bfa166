package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/acu_interface/scan"
	"github.com/w1xm/acu_interface/trajectory"
)

// ListenRotctld serves the hamlib rotctld protocol on addr until ctx is done.
func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("rotctld listening on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	for ctx.Err() == nil {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("failed to accept: %v", err)
			}
			continue
		}
		go s.handleRotctld(conn)
	}
	return ctx.Err()
}

func rprtFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, scan.ErrBusy):
		return -9 // RIG_ERJCTED
	default:
		return -22 // RIG_EINVAL
	}
}

func (s *Server) handleRotctld(conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		log.Printf("%v command: %q args: %#v", conn.RemoteAddr(), cmd, args)
		rprt := -1
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: ACU
Mfg name: W1XM
Rot type: Az-El
Min Azimuth: %.2f
Max Aximuth: %.2f
Min Elevation: %.2f
Max Elevation: %.2f
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: N
Can get Info: N
`, s.limits.AzMin, s.limits.AzMax, s.limits.ElMin, s.limits.ElMax)
			rprt = 0
		case "S", "stop":
			extended = true // always print RPRT
			if err := s.stop(context.Background()); err != nil {
				log.Printf("rotctld stop: %v", err)
				rprt = -6 // RIG_EIO
				break
			}
			rprt = 0
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = -22
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = -22
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				rprt = -22
				break
			}
			if az < 0 && s.limits.AzMin >= 0 {
				az += 360
			}
			err = s.start(trajectory.PointToPoint{Az: az, El: el})
			if err != nil {
				log.Printf("rotctld set_pos: %v", err)
			}
			rprt = rprtFor(err)
		case "M", "move":
			extended = true // always print RPRT
			rprt = -4 // RIG_ENIMPL
		case "p", "get_pos":
			status, _ := s.currentStatus()
			az := status.Az
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, status.El)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, status.El)
			}
			rprt = 0
		}
		if extended || rprt != 0 {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}

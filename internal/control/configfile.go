package control

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/atem"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
)

// ReadConfigFile loads a line-oriented control config:
//
//	# comment
//	ATEM <id>
//	CLEAR
//	GIMBAL [ATEM = n] [INDEX = i | IPv4 = a.b.c.d | NONE ATEM = n]
//	<ACTION> <CONTROL> <FUNCTION> [factor [offset]]
//	<ACTION> <CONTROL>                               (removes the entry)
//
// Lines starting with a blank are ignored.
func (l *Link) ReadConfigFile(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return gimbal.ErrFileOpen
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := l.parseConfigLine(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return gimbal.ErrFileOpen
	}
	return nil
}

func (l *Link) parseConfigLine(line string) error {
	if line == "" {
		return nil
	}
	switch line[0] {
	case '#', ' ', '\t', '\r':
		return nil
	}

	switch {
	case strings.HasPrefix(line, "ATEM "):
		id := strings.TrimSpace(line[len("ATEM "):])
		l.atem = atem.FindOrCreate(id)
		if l.atem == nil {
			log.Printf("[mapper] ATEM connect failed (%s)", id)
			return gimbal.ErrConfig
		}
		return nil

	case strings.HasPrefix(line, "CLEAR"):
		l.table = nil
		return nil

	case strings.HasPrefix(line, "GIMBAL "):
		l.gimbalIds = append(l.gimbalIds, strings.TrimSpace(line[len("GIMBAL "):]))
		return nil

	case strings.HasPrefix(line, "GIMBAL"):
		l.gimbalIds = append(l.gimbalIds, "")
		return nil
	}

	fields := strings.Fields(line)
	switch len(fields) {
	case 2:
		return l.tableRemoveNames(fields[0], fields[1])

	case 3:
		return l.tableAddNames(fields[0], fields[1], fields[2], 0.0, 0.0)

	case 4:
		factor, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			log.Printf("[mapper] invalid configuration line (%s)", line)
			return gimbal.ErrConfig
		}
		return l.tableAddNames(fields[0], fields[1], fields[2], factor, 0.0)

	case 5:
		factor, err1 := strconv.ParseFloat(fields[3], 64)
		offset, err2 := strconv.ParseFloat(fields[4], 64)
		if err1 != nil || err2 != nil {
			log.Printf("[mapper] invalid configuration line (%s)", line)
			return gimbal.ErrConfig
		}
		return l.tableAddNames(fields[0], fields[1], fields[2], factor, offset)
	}

	log.Printf("[mapper] invalid configuration line (%s)", line)
	return gimbal.ErrConfig
}

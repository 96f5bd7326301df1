package cellsio

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"cropmask/celltools"
)

func StreamToCSV(cellData <-chan celltools.S2CellData, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	w := bufio.NewWriter(f)

	if _, err := w.WriteString("s2_id;value;geom\n"); err != nil {
		drain(cellData)
		return err
	}

	var i int
	for cell := range cellData {
		if i%10000 == 0 {
			logrus.Infof("Writing cell %d", i)
		}
		i++
		if _, err := fmt.Fprintln(w, cell.String()); err != nil {
			drain(cellData)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

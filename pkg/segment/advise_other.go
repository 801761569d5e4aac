//go:build !linux

package segment

import "os"

func adviseSequential(*os.File) {}

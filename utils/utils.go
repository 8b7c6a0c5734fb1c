/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package utils

import (
	"os"
	"strings"
	"time"
)

func FileExists(path string) bool {
	_, err := os.Lstat(path)
	if err != nil {
		return os.IsExist(err)
	}
	return true
}

// ReadFile returns the content of a small sysfs/procfs style file with surrounding blanks removed
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func UntilMaxRetry(f func() error, maxRetry int, interval time.Duration) error {
	var err error
	for i := 0; i < maxRetry; i++ {

		err = f()

		if err == nil {
			return nil
		}
		if i < maxRetry-1 {
			time.Sleep(interval)
		}
	}
	return err
}

// HasDigitSuffix reports whether a device handle ends in a digit, i.e. names a partition
func HasDigitSuffix(name string) bool {
	if name == "" {
		return false
	}
	c := name[len(name)-1]
	return c >= '0' && c <= '9'
}
